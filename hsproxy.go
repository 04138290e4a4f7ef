package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/gernest/hsproxy/pkg/cmd"
	"github.com/gernest/hsproxy/pkg/zlg"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
	builtBy = ""
)

func main() {
	a := cmd.App(version, buildVersion(version, commit, date, builtBy))
	if err := a.Run(os.Args); err != nil {
		zlg.Error(err, "error running the app")
		os.Exit(1)
	}
}

func buildVersion(version, commit, date, builtBy string) string {
	result := version
	if commit != "" {
		result = fmt.Sprintf("%s+%s", result, commit)
	}
	if date != "" {
		result = fmt.Sprintf("%s (built at %s", result, date)
		if builtBy != "" {
			result = fmt.Sprintf("%s by %s", result, builtBy)
		}
		result += ")"
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Sum != "" {
		result = fmt.Sprintf("%s module %s@%s", result, info.Main.Version, info.Main.Sum)
	}
	return result
}
