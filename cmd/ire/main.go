// ire reconciles per-HIS patient snapshots into a single canonical patient
// registry, deciding for each raw record whether it matches an existing
// canonical, requires a new one, or forces a merge of two canonicals.
package main

import (
	"os"
	"runtime/debug"

	"github.com/qms-infoclinica/ire/internal/commands"
)

// version is set via ldflags (-X main.version=v1.0.0) or detected
// automatically from Go module info embedded by go install.
var version = "dev"

func main() {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
