package logger

import (
	"github.com/rs/zerolog"
)

// Named getters matching the keys of log.levels

// GetPortLogger returns a logger for message ports
func GetPortLogger() zerolog.Logger {
	return GetLogger("port")
}

// GetRunnerLogger returns a logger for the runner host
func GetRunnerLogger() zerolog.Logger {
	return GetLogger("runner")
}

// GetWorkerLogger returns a logger for worker processes
func GetWorkerLogger() zerolog.Logger {
	return GetLogger("worker")
}

// GetViewLogger returns a logger for view bridges
func GetViewLogger() zerolog.Logger {
	return GetLogger("view")
}

// GetRelayLogger returns a logger for the file relay
func GetRelayLogger() zerolog.Logger {
	return GetLogger("relay")
}

// GetServerLogger returns a logger for the websocket server
func GetServerLogger() zerolog.Logger {
	return GetLogger("server")
}
