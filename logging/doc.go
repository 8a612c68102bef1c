// Usage:
//
//	logger := logging.New(&logging.Config{Level: logging.LogLevelDebug, Format: "text"})
//	eng, err := engine.New(r, provider, engine.WithLogger(logger.WithComponent("engine")))
//
// The interface stays minimal so any structured logger can be plugged in.
package logging
