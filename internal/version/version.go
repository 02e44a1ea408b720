package version

import "fmt"

const name = "reqtrace"

// Set at build time through -ldflags "-X".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

// AppName identifies this build to backends that record client names.
func AppName() string {
	return name + "/" + Version
}
