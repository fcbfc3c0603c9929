// Copyright 2024, Pulumi Corporation.  All rights reserved.

// apy-exporter-infra is the Pulumi program that deploys the yearn APY exporter.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pulumi/pulumi/sdk/v3/go/common/util/cmdutil"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/spf13/afero"

	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra"
	"github.com/yearn/yearn-exporter-infra/pkg/exporterinfra/diags"
)

func main() {
	program := &exporterinfra.Program{Fs: afero.NewOsFs()}
	if err := report(os.Stderr, program, pulumi.RunErr(program.Run), cmdutil.InteractiveTerminal()); err != nil {
		cmdutil.Exit(err)
	}
}

// report prints matrix diagnostics with the lines they point at. It returns the error the program
// should exit with, if any.
func report(w io.Writer, program *exporterinfra.Program, err error, color bool) error {
	d, ok := diags.HasDiagnostics(err)
	if !ok {
		return err
	}
	if werr := d.Write(diags.NewDiagnosticWriter(w, program.Sources, 0, color)); werr != nil {
		return werr
	}
	if errs := d.Errors(); len(errs) > 0 {
		return fmt.Errorf("the task matrix has %d error(s)", len(errs))
	}
	return nil
}
