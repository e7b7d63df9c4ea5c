package logging

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Init routes logs to two handlers: a json handler writing to logFile for
// log aggregation, and a text handler on stderr for the operator. The
// service_type attribute is attached to every json record so that one
// aggregation pipeline can filter per component.
func Init(logFile *os.File, serviceType string) {
	var jsonHandler slog.Handler = slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})

	jsonHandler = jsonHandler.WithAttrs([]slog.Attr{
		slog.String("service_type", serviceType),
	})

	textHandler := slog.NewTextHandler(os.Stderr, nil)

	logger := slog.New(slogmulti.Fanout(jsonHandler, textHandler))
	slog.SetDefault(logger)
}
