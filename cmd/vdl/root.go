package main

import (
	"fmt"
	"strings"

	"github.com/go-vdl/vdl"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "vdl",
	Short:        "Load ELF shared objects and inspect them without the platform loader",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(openCmd, symCmd, iterateCmd)
}

// parseFlags turns a comma-separated "lazy,global,nodelete" string into
// vdl.Flags, per spec.md §4.8's open-flags enumeration. Unknown tokens are
// rejected rather than silently ignored.
func parseFlags(s string) (vdl.Flags, error) {
	var f vdl.Flags
	if s == "" {
		return vdl.Now, nil
	}
	for _, tok := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "lazy":
			f |= vdl.Lazy
		case "now":
			f |= vdl.Now
		case "local":
			f |= vdl.Local
		case "global":
			f |= vdl.Global
		case "nodelete":
			f |= vdl.Nodelete
		case "noload":
			f |= vdl.Noload
		case "":
			// tolerate a trailing comma
		default:
			return 0, fmt.Errorf("vdl: unknown flag %q", tok)
		}
	}
	if f&(vdl.Lazy|vdl.Now) == 0 {
		f |= vdl.Now
	}
	return f, nil
}

var openFlagsStr string

var openCmd = &cobra.Command{
	Use:   "open <path>",
	Short: "Load a shared object and run its initializers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags, err := parseFlags(openFlagsStr)
		if err != nil {
			return err
		}
		loader, err := vdl.New(vdl.Options{})
		if err != nil {
			return err
		}
		obj, err := loader.Open(args[0], flags)
		if err != nil {
			return err
		}
		defer obj.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %s at 0x%x\n", obj.Path(), obj.Base())
		return nil
	},
}

func init() {
	openCmd.Flags().StringVar(&openFlagsStr, "flags", "now", "comma-separated open flags: lazy,now,local,global,nodelete,noload")
}

var symCmd = &cobra.Command{
	Use:   "sym <path> <name>",
	Short: "Resolve an exported symbol's address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, err := vdl.New(vdl.Options{})
		if err != nil {
			return err
		}
		obj, err := loader.Open(args[0], vdl.Now)
		if err != nil {
			return err
		}
		defer obj.Close()
		addr, err := obj.Get(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "0x%x\n", addr)
		return nil
	},
}

var iterateCmd = &cobra.Command{
	Use:   "iterate <path>",
	Short: "Load a shared object and list the Link Map in load order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, err := vdl.New(vdl.Options{})
		if err != nil {
			return err
		}
		obj, err := loader.Open(args[0], vdl.Now|vdl.Global)
		if err != nil {
			return err
		}
		defer obj.Close()
		return loader.Iterate(func(v vdl.View) error {
			tls := ""
			if v.HasTLS {
				tls = fmt.Sprintf(" tls=%d", v.TLSID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-40s base=0x%x phdrs=%d%s\n", v.Name, v.Base, len(v.Phdrs), tls)
			return nil
		})
	},
}
