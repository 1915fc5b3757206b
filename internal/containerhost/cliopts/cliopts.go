// Package cliopts defines the flagsets passed to the `container` CLI
// binary and a generic reflection-based translator from struct to argv,
// driven by `flag:"--xxx[,keepZero]"` struct tags.
package cliopts

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// CreateContainer are the option flags for "container create".
type CreateContainer struct {
	ProcessOptions
	ResourceOptions
	ManagementOptions
}

// RunContainer are the option flags for "container run".
type RunContainer struct {
	ProcessOptions
	ResourceOptions
	ManagementOptions
	// Scheme is the scheme to use when connecting to the container registry (http, https, auto) (default: auto)
	Scheme string `flag:"--scheme"`
	// DisableProgressUpdates disables progress bar updates
	DisableProgressUpdates bool `flag:"--disable-progress-updates"`
}

// ExecContainer runs a new command in a running container.
type ExecContainer struct {
	ProcessOptions
}

// ContainerLogs are the option flags for "container logs".
type ContainerLogs struct {
	// Boot displays the boot log for the container instead of stdio
	Boot bool `flag:"--boot"`
	// Follow enables following log output
	Follow bool `flag:"--follow"`
	// N is the number of lines to show from the end of the logs. If not provided this will print all of the logs
	N int `flag:"-n"`
}

// StartContainer are the option flags for "container start".
type StartContainer struct {
	// Attach enables attaching STDOUT/STDERR
	Attach bool `flag:"--attach"`
	// Interactive enables attaching STDIN
	Interactive bool `flag:"--interactive"`
}

// StopContainer are the option flags for "container stop".
type StopContainer struct {
	// All stops all running containers
	All bool `flag:"--all"`
	// Signal is the signal to send the containers (default: SIGTERM)
	Signal string `flag:"--signal"`
	// Time is the seconds to wait before killing the containers (default: 5)
	Time int `flag:"--time"`
}

// DeleteContainer are the option flags for "container delete".
type DeleteContainer struct {
	// Force forces the removal of one or more running containers
	Force bool `flag:"--force"`
	// All removes all containers
	All bool `flag:"--all"`
}

// ManagementOptions are shared create/run flags governing container
// placement and host integration.
type ManagementOptions struct {
	// Arch sets arch if image can target multiple architectures (default: arm64)
	Arch string `flag:"--arch"`
	// CIDFile writes the container ID to the path provided
	CIDFile string `flag:"--cidfile"`
	// Detach runs the container and detaches from the process
	Detach bool `flag:"--detach"`
	// DNS is the DNS nameserver IP address
	DNS string `flag:"--dns"`
	// Label adds a key=value label to the container
	Label map[string]string `flag:"--label"`
	// Mount adds a mount to the container (format: type=<>,source=<>,target=<>,readonly)
	Mount []string `flag:"--mount"`
	// Name uses the specified name as the container ID
	Name string `flag:"--name"`
	// Network attaches the container to a network
	Network string `flag:"--network"`
	// Platform is the platform for the image if it's multi-platform
	Platform string `flag:"--platform"`
	// Remove removes the container after it stops
	Remove bool `flag:"--remove"`
	// SSH forwards SSH agent socket to container
	SSH bool `flag:"--ssh"`
	// Volume bind mounts a volume into the container
	Volume []string `flag:"--volume"`
}

// ResourceOptions constrains a container's compute resources.
type ResourceOptions struct {
	// CPUs is the number of CPUs to allocate to the container
	CPUs int `flag:"--cpus"`
	// Memory is the amount of memory (1MiByte granularity), with optional K, M, G, T, or P suffix
	Memory string `flag:"--memory"`
}

// ProcessOptions are the flags governing the process started inside the
// container.
type ProcessOptions struct {
	// Env sets environment variables (format: key=value)
	Env map[string]string `flag:"--env"`
	// Interactive keeps the standard input open even if not attached
	Interactive bool `flag:"--interactive"`
	// TTY opens a TTY with the process
	TTY bool `flag:"--tty"`
	// User sets the user for the process (format: name|uid[:gid])
	User string `flag:"--user"`
	// WorkDir sets the initial working directory inside the container
	WorkDir string `flag:"--workdir"`
}

// BuildOptions are the flags passed to "container build".
type BuildOptions struct {
	// CPUs is the number of CPUs to allocate to the build (default: 2)
	CPUs int `flag:"--cpus"`
	// Memory is the amount of memory for the build, with MB granularity (default: 2048MB)
	Memory string `flag:"--memory"`
	// BuildArg sets build-time variables (format: key=value)
	BuildArg map[string]string `flag:"--build-arg"`
	// File is the path to the Containerfile (default: Containerfile)
	File string `flag:"--file"`
	// Label sets a label (format: key=value)
	Label map[string]string `flag:"--label"`
	// NoCache disables cache usage
	NoCache bool `flag:"--no-cache"`
	// Platform adds the platform to the build
	Platform string `flag:"--platform"`
	// Tag is the name for the built image
	Tag string `flag:"--tag"`
}

// ToArgs creates an array of strings that you can pass to
// exec.Command(...) as CLI args, driven by each field's `flag` tag.
// Embedded option structs are flattened recursively; zero-valued fields
// are omitted unless tagged `,keepZero`.
func ToArgs[T any](s *T) []string {
	if s == nil {
		s = new(T)
	}
	var ret []string
	st := reflect.TypeOf(*s)
	sv := reflect.ValueOf(*s)
	if st.Kind() == reflect.Pointer {
		sv = reflect.Indirect(sv)
		st = sv.Type()
	}
	for i := range st.NumField() {
		field := st.Field(i)
		fv := sv.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			fvi := fv.Interface()
			ret = append(ret, ToArgs(&fvi)...)
			continue
		}
		flagTag, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}
		flagParts := strings.Split(flagTag, ",")
		flagName := flagParts[0]
		keepZero := len(flagParts) > 1 && strings.EqualFold(flagParts[1], "keepZero")

		v := reflect.ValueOf(fv.Interface())
		if !keepZero && v.IsZero() {
			continue
		}
		if ret == nil {
			ret = []string{}
		}

		flagValue := ""
		switch field.Type.Kind() {
		case reflect.Array, reflect.Slice:
			for i := 0; i < fv.Len(); i++ {
				ret = append(ret, flagName, fmt.Sprintf("%v", fv.Index(i)))
			}
			continue
		case reflect.Map:
			m := v.Interface().(map[string]string)
			keys := slices.Sorted(maps.Keys(m))
			var mapVals []string
			for _, k := range keys {
				mapVals = append(mapVals, fmt.Sprintf("%v=%v", k, m[k]))
			}
			flagValue = strings.Join(mapVals, ",")
		case reflect.Bool:
			// bools contribute only the flag name, no value
		default:
			flagValue = fmt.Sprintf("%v", fv.Interface())
		}
		ret = append(ret, flagName)
		if flagValue != "" {
			ret = append(ret, flagValue)
		}
	}
	return ret
}
