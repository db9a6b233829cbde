// Copyright the refcheck authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// movecheck runs the reference-safety verifier over textual module files.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/movevm/refcheck/internal/formatutil"
	"github.com/movevm/refcheck/verification"
	"github.com/movevm/refcheck/verification/bytecode"
	"github.com/movevm/refcheck/verification/config"
	"github.com/movevm/refcheck/verification/render"
	"github.com/movevm/refcheck/verification/vmerror"
)

// flags
var (
	configPath = ""
	dotDir     = ""
	verbose    = false
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to a yaml configuration file")
	flag.StringVar(&dotDir, "dot", "", "write one .dot control-flow graph per function into this directory")
	flag.BoolVar(&verbose, "v", false, "print per-function results, passing functions included")
}

const usage = `Check reference safety of Move modules.

Usage:
  movecheck [-config config.yaml] [-dot outdir] module.mvasm...

Use the -help flag to display the options.
`

func main() {
	if err := doMain(); err != nil {
		fmt.Fprintf(os.Stderr, "movecheck: %s\n", err)
		os.Exit(1)
	}
}

func doMain() error {
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var cfg *config.Config
	if configPath != "" {
		config.SetGlobalConfig(configPath)
		loaded, err := config.LoadGlobal()
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.NewDefault()
	}
	logger := config.NewLogGroup(cfg)
	logger.SetAllFlags(0) // no timestamps on interactive output

	rejected := false
	for _, path := range flag.Args() {
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		module, err := bytecode.ParseModule(string(src))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		result := verification.VerifyModule(cfg, logger, module)
		report(path, result)
		if !result.Ok() {
			rejected = true
		}

		if dotDir != "" {
			if err := writeDotFiles(module); err != nil {
				return err
			}
		}
	}

	if rejected {
		os.Exit(1)
	}
	return nil
}

func report(path string, result verification.ModuleResult) {
	// module and function names come from an untrusted file
	module := formatutil.Sanitize(result.Module)
	for _, r := range result.Results {
		name := formatutil.Sanitize(r.Function)
		switch {
		case vmerror.IsMeterExceeded(r.Err):
			fmt.Printf("%s %s::%s: %s\n", formatutil.Yellow("METER"), module, name, r.Err)
		case r.Err != nil:
			fmt.Printf("%s %s::%s: %s\n", formatutil.Red("REJECT"), module, name, r.Err)
		case verbose:
			fmt.Printf("%s %s::%s %s\n", formatutil.Green("ok"), module, name,
				formatutil.Faint(fmt.Sprintf("(cost %d, %s)", r.Cost, r.Time)))
		}
	}
	if result.Ok() {
		fmt.Printf("%s %s (%s, total cost %d)\n",
			formatutil.Green("PASS"), formatutil.Bold(module), filepath.Base(path), result.TotalCost)
	} else {
		fmt.Printf("%s %s (%s): %s\n",
			formatutil.Red("FAIL"), formatutil.Bold(module), filepath.Base(path), result.Err)
	}
}

func writeDotFiles(module *bytecode.Module) error {
	if err := os.MkdirAll(dotDir, 0o755); err != nil {
		return err
	}
	for i := range module.Functions {
		ctx, err := bytecode.NewFunctionContext(module, bytecode.FunctionIndex(i))
		if err != nil {
			return err
		}
		out := filepath.Join(dotDir, fmt.Sprintf("%s_%s.dot", module.Name, ctx.Name()))
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		if err := render.WriteCFG(f, ctx); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Printf("%s wrote %s\n", formatutil.Cyan("dot"), out)
	}
	return nil
}
