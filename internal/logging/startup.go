package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects the process identity, backing resources, feature
// flags and configuration, then emits a single structured event summarising
// how the process was started. Secrets are never registered, only the names
// of where they came from.
type StartupLogger struct {
	name         string
	commitHash   string
	initDuration time.Duration

	resources map[string]map[string]string
	features  map[string]bool
	config    map[string]string
}

// NewStartupLogger creates a StartupLogger for the given binary name
// (e.g. "resemblance-web", "reaper-lambda").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:      name,
		resources: make(map[string]map[string]string),
		features:  make(map[string]bool),
		config:    make(map[string]string),
	}
}

// CommitHash sets the git commit hash baked into the binary at build time.
func (s *StartupLogger) CommitHash(hash string) *StartupLogger {
	s.commitHash = hash
	return s
}

func (s *StartupLogger) resource(kind, label, name string) *StartupLogger {
	if name == "" {
		return s
	}
	if s.resources[kind] == nil {
		s.resources[kind] = make(map[string]string)
	}
	s.resources[kind][label] = name
	return s
}

// S3Bucket registers an S3 bucket.
func (s *StartupLogger) S3Bucket(label, name string) *StartupLogger {
	return s.resource("s3Buckets", label, name)
}

// DynamoTable registers a DynamoDB table.
func (s *StartupLogger) DynamoTable(label, name string) *StartupLogger {
	return s.resource("dynamoTables", label, name)
}

// SSMParam registers an SSM parameter path. Only the path is logged.
func (s *StartupLogger) SSMParam(label, path string) *StartupLogger {
	return s.resource("ssmParams", label, path)
}

// Redis registers a Redis endpoint.
func (s *StartupLogger) Redis(label, addr string) *StartupLogger {
	return s.resource("redis", label, addr)
}

// Backend registers which implementation serves a concern, e.g. store=dynamo.
func (s *StartupLogger) Backend(concern, name string) *StartupLogger {
	return s.resource("backends", concern, name)
}

// Feature registers a boolean feature flag (e.g. "admin", "reaper").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long initialization took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if the variable is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log emits a single structured INFO log event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info()

	proc := zerolog.Dict().
		Str("name", s.name).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", zerolog.GlobalLevel().String())
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		proc = proc.
			Str("functionName", fn).
			Str("version", os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")).
			Str("region", os.Getenv("AWS_REGION")).
			Str("memoryMB", os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"))
	}
	if s.commitHash != "" {
		proc = proc.Str("commitHash", s.commitHash)
	}
	evt = evt.Dict("process", proc)

	if len(s.resources) > 0 {
		resources := zerolog.Dict()
		for kind, m := range s.resources {
			resources = resources.Dict(kind, dictFromMap(m))
		}
		evt = evt.Dict("resources", resources)
	}

	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}

	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}

	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Startup complete")
}

// dictFromMap converts a map[string]string into a zerolog.Event (Dict).
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
