package version

import (
	"fmt"
	"runtime"
)

// Stamped at link time:
//
//	go build -ldflags "-X github.com/aspect-build/pqattest/internal/version.Version=0.1.0
//	  -X github.com/aspect-build/pqattest/internal/version.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// Info is the build description served by GET /version.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String formats Info for a --version flag.
func String(binaryName string) string {
	i := Get()
	return fmt.Sprintf("%s %s (commit=%s, go=%s, %s)", binaryName, i.Version, i.GitCommit, i.GoVersion, i.Platform)
}
