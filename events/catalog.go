package events

import (
	"time"

	"github.com/samber/lo"
)

// Console levels.
const (
	LevelLog   = "log"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelDebug = "debug"
)

// ConsoleMessage is one console line forwarded from extension code.
type ConsoleMessage struct {
	Level     string    `json:"level"`
	Args      []string  `json:"args"`
	Extension string    `json:"extension,omitempty"`
	Command   string    `json:"command,omitempty"`
	Time      time.Time `json:"time"`
	// Set by the host when relaying to a UI
	ExecutionId string `json:"executionId,omitempty"`
}

// Finish statuses. Workers report finished or errored; killed is only
// reported by the host.
const (
	StatusFinished = "finished"
	StatusErrored  = "errored"
	StatusKilled   = "killed"
)

// Finished is the terminal signal of a worker.
type Finished struct {
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	ExecutionId string `json:"executionId,omitempty"`
}

// Query carries the palette's search text.
type Query struct {
	Text string `json:"text"`
}

// KeyEvent is a key press forwarded to a view.
type KeyEvent struct {
	Key   string `json:"key"`
	Code  string `json:"code,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
}

// Navigation reports the depth of a view's navigation stack.
type Navigation struct {
	Depth int `json:"depth"`
}

// File is one file delivered through the relay.
type File struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Data Blob   `json:"data"`
}

// FileBundle is a list of files stored under one request id.
type FileBundle struct {
	Files []File `json:"files"`
}

// FileRequest asks for the files stored under ID.
type FileRequest struct {
	ID string `json:"id"`
}

// FileTicket is the id under which a bundle was stored.
type FileTicket struct {
	ID string `json:"id"`
}

// App is an installed desktop application.
type App struct {
	Name string `json:"name"`
	Exec string `json:"exec,omitempty"`
	Icon string `json:"icon,omitempty"`
	Path string `json:"path"`
}

// AppQuery filters installed apps by name. An empty query lists all.
type AppQuery struct {
	Query string `json:"query,omitempty"`
}

// StorageKeys names keys in an extension's local storage.
type StorageKeys struct {
	Keys []string `json:"keys"`
}

// StorageItems is a set of key/value pairs in local storage.
type StorageItems struct {
	Items map[string]interface{} `json:"items"`
}

// ClipboardText is clipboard content.
type ClipboardText struct {
	Text string `json:"text"`
}

// Command types.
const (
	CommandAction = "action"
	CommandView   = "view"
	CommandScript = "script"
)

// Execute is the payload that starts one command execution. It is trusted:
// the manifest layer has already validated it.
type Execute struct {
	ExecutionId    string                 `json:"executionId"`
	ExtensionId    string                 `json:"extensionId"`
	CommandId      string                 `json:"commandId"`
	CommandType    string                 `json:"commandType"`
	Title          string                 `json:"title,omitempty"`
	LaunchContext  map[string]interface{} `json:"launchContext,omitempty"`
	Arguments      map[string]string      `json:"arguments,omitempty"`
	BrowserContext map[string]interface{} `json:"browserContext,omitempty"`
}

// Kill names an execution to terminate.
type Kill struct {
	ExecutionId string `json:"executionId"`
}

// Started acknowledges an execute request.
type Started struct {
	ExecutionId string `json:"executionId"`
}

var (
	Console        = Define[ConsoleMessage, None]("console")
	Finish         = Define[Finished, None]("runner:finished")
	ExecuteCommand = Define[Execute, Started]("extension:execute")
	KillCommand    = Define[Kill, None]("extension:kill")

	QueryChange    = Define[Query, None]("extension:query-change")
	KeyDown        = Define[KeyEvent, None]("extension:keydown-event").WithSchema(keyEventSchema)
	NavigationPush = Define[Navigation, None]("extension:navigation-push")
	NavigationPop  = Define[None, None]("extension:navigation-pop")
	FinishExecute  = Define[None, None]("extension:finish-execute")
	Reload         = Define[None, None]("extension:reload")

	RequestFiles = Define[FileRequest, FileBundle]("file:request").WithSchema(fileRequestSchema)
	StoreFiles   = Define[FileBundle, FileTicket]("file:store").WithSchema(fileBundleSchema)

	InstalledApps  = Define[AppQuery, []App]("installedApps.query")
	StorageGet     = Define[StorageKeys, StorageItems]("storage.local.get")
	StorageSet     = Define[StorageItems, None]("storage.local.set").WithSchema(storageItemsSchema)
	StorageRemove  = Define[StorageKeys, None]("storage.local.remove")
	ClipboardRead  = Define[None, ClipboardText]("clipboard.read")
	ClipboardWrite = Define[ClipboardText, None]("clipboard.write")
)

const keyEventSchema = `{
	"type": "object",
	"required": ["key"],
	"properties": {"key": {"type": "string", "minLength": 1}}
}`

const fileRequestSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {"id": {"type": "string", "minLength": 1}}
}`

const fileBundleSchema = `{
	"type": "object",
	"required": ["files"],
	"properties": {
		"files": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {"name": {"type": "string", "minLength": 1}}
			}
		}
	}
}`

const storageItemsSchema = `{
	"type": "object",
	"required": ["items"],
	"properties": {"items": {"type": "object", "minProperties": 1}}
}`

// APINames are the requests a worker may make of the host. Every name has
// exactly one host handler.
func APINames() []string {
	return []string{
		InstalledApps.Name(),
		StorageGet.Name(),
		StorageSet.Name(),
		StorageRemove.Name(),
		ClipboardRead.Name(),
		ClipboardWrite.Name(),
	}
}

// Names lists every event in the catalog.
func Names() []string {
	return append([]string{
		Console.Name(),
		Finish.Name(),
		ExecuteCommand.Name(),
		KillCommand.Name(),
		QueryChange.Name(),
		KeyDown.Name(),
		NavigationPush.Name(),
		NavigationPop.Name(),
		FinishExecute.Name(),
		Reload.Name(),
		RequestFiles.Name(),
		StoreFiles.Name(),
	}, APINames()...)
}

// Lookup reports whether name belongs to the catalog.
func Lookup(name string) bool {
	return lo.Contains(Names(), name)
}
