package root

import (
	"github.com/zenGate-Global/palmyra-farmops/apps/cli/cmd/auth"
	"github.com/zenGate-Global/palmyra-farmops/apps/cli/cmd/bootstrap"
	"github.com/zenGate-Global/palmyra-farmops/apps/cli/cmd/plans"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(bootstrap.Command())
	Root().AddCommand(plans.Command())
}
