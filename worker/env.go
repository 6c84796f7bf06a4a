package worker

import (
	"fmt"
	"os"
	"strconv"

	"procmesh/codec"
	"procmesh/config"
	"procmesh/errors"
	"procmesh/registry"
)

// Environment variables of the spawn contract.
const (
	EnvParentPID   = "MS_PARENT_PID"
	EnvVerbose     = "MS_VERBOSE"
	EnvName        = "MS_NAME"
	EnvProcessID   = "MS_PROCESS_ID"
	EnvPort        = "MS_PORT"
	EnvService     = "MS_SERVICE"
	EnvOperations  = "MS_OPERATIONS"
	EnvSettings    = "MS_SETTINGS"
	EnvOptions     = "MS_OPTIONS"
	EnvServiceInfo = "MS_SERVICE_INFO"
)

// Env is everything the supervisor hands a worker process.
type Env struct {
	ParentPID  int
	Verbose    bool
	Name       string
	ProcessID  string
	Port       int
	Operations string
	Settings   *config.Settings
	Options    registry.Options
	// Directory maps every declared service to its operations path.
	Directory map[string]string
}

// Environ renders e as KEY=VALUE pairs for exec.Cmd.Env.
func (e Env) Environ() ([]string, error) {
	settings, err := codec.Default.Encode(e.Settings)
	if err != nil {
		return nil, err
	}
	options, err := codec.Default.Encode(e.Options)
	if err != nil {
		return nil, err
	}
	directory, err := codec.Default.Encode(e.Directory)
	if err != nil {
		return nil, err
	}
	return []string{
		EnvParentPID + "=" + strconv.Itoa(e.ParentPID),
		EnvVerbose + "=" + strconv.FormatBool(e.Verbose),
		EnvName + "=" + e.Name,
		EnvProcessID + "=" + e.ProcessID,
		EnvPort + "=" + strconv.Itoa(e.Port),
		EnvService + "=true",
		EnvOperations + "=" + e.Operations,
		EnvSettings + "=" + string(settings),
		EnvOptions + "=" + string(options),
		EnvServiceInfo + "=" + string(directory),
	}, nil
}

// IsWorker reports whether this process was spawned by a supervisor.
func IsWorker() bool {
	return os.Getenv(EnvService) == "true"
}

// FromEnviron decodes the spawn contract with lookup (os.LookupEnv in
// production).
func FromEnviron(lookup func(string) (string, bool)) (Env, error) {
	get := func(key string) (string, error) {
		v, ok := lookup(key)
		if !ok {
			return "", invalidEnv("%s is not set", key)
		}
		return v, nil
	}

	var e Env
	if v, ok := lookup(EnvService); !ok || v != "true" {
		return e, invalidEnv("not started as a service worker")
	}

	v, err := get(EnvParentPID)
	if err != nil {
		return e, err
	}
	if e.ParentPID, err = strconv.Atoi(v); err != nil {
		return e, invalidEnv("%s: %v", EnvParentPID, err)
	}
	if v, err = get(EnvPort); err != nil {
		return e, err
	}
	if e.Port, err = strconv.Atoi(v); err != nil {
		return e, invalidEnv("%s: %v", EnvPort, err)
	}
	if e.Name, err = get(EnvName); err != nil {
		return e, err
	}
	if e.ProcessID, err = get(EnvProcessID); err != nil {
		return e, err
	}
	e.Operations, _ = lookup(EnvOperations)
	if v, ok := lookup(EnvVerbose); ok {
		e.Verbose, _ = strconv.ParseBool(v)
	}

	e.Settings = config.Default()
	if v, ok := lookup(EnvSettings); ok && v != "" {
		if err := codec.Default.Decode([]byte(v), e.Settings); err != nil {
			return e, invalidEnv("%s: %v", EnvSettings, err)
		}
	}
	if v, ok := lookup(EnvOptions); ok && v != "" {
		if err := codec.Default.Decode([]byte(v), &e.Options); err != nil {
			return e, invalidEnv("%s: %v", EnvOptions, err)
		}
	}
	if v, ok := lookup(EnvServiceInfo); ok && v != "" {
		if err := codec.Default.Decode([]byte(v), &e.Directory); err != nil {
			return e, invalidEnv("%s: %v", EnvServiceInfo, err)
		}
	}
	return e, nil
}

func invalidEnv(format string, args ...any) error {
	return errors.Wrap(errors.KindConfig, errors.ErrInvalidConfig, "worker", "FromEnviron", fmt.Sprintf(format, args...))
}
