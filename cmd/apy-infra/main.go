// Copyright 2024, Pulumi Corporation.  All rights reserved.

// apy-infra inspects the task matrix of the APY exporter stack: it prints the planned tasks,
// validates matrix files and compares a deployed environment with its plan.
package main

import (
	"os"

	"github.com/spf13/afero"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/drift"
)

func main() {
	os.Exit(Run(os.Args[1:], Dependencies{
		Out:        os.Stdout,
		Err:        os.Stderr,
		Fs:         afero.NewOsFs(),
		NewClients: drift.NewClients,
	}))
}
