// Command ruzule injects tweak dylibs, frameworks and app extensions
// into an iOS .app/.ipa/.tipa, rewrites its bundle identity, and
// re-signs it. Run `ruzule -h` for the default inject command, or
// `ruzule cgen -h` / `ruzule dupe -h` for the other two subcommands.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"

	"github.com/lquartararo/ruzule/pipeline"
)

func main() {
	log.SetHandler(cli.Default)
	log.SetLevel(log.InfoLevel)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "cgen":
			runCgen(os.Args[2:])
			return
		case "dupe":
			runDupe(os.Args[2:])
			return
		}
	}
	runInject(os.Args[1:])
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runInject(args []string) {
	fs := flag.NewFlagSet("ruzule", flag.ExitOnError)
	var opts pipeline.InjectOptions
	var cyan, files stringList
	fs.Var(&cyan, "cyan", "a .cyan recipe to apply (repeatable)")
	fs.Var(&files, "f", "a dylib/framework/appex/bundle to inject (repeatable)")
	fs.StringVar(&opts.Output, "o", "", "output path; defaults to overwriting the input")
	fs.StringVar(&opts.Name, "name", "", "override CFBundleName/CFBundleDisplayName")
	fs.StringVar(&opts.Version, "app-version", "", "override CFBundleVersion/CFBundleShortVersionString")
	fs.StringVar(&opts.BundleID, "bundle-id", "", "override CFBundleIdentifier")
	fs.StringVar(&opts.Minimum, "minimum", "", "override MinimumOSVersion")
	fs.StringVar(&opts.Icon, "icon", "", "replacement app icon image")
	fs.StringVar(&opts.Plist, "plist", "", "plist of keys to merge into Info.plist")
	fs.StringVar(&opts.Entitlements, "entitlements", "", "plist of entitlements to merge in")
	fs.BoolVar(&opts.RemoveSupportedDevices, "remove-supported-devices", false, "strip UISupportedDevices/UIDeviceFamily")
	fs.BoolVar(&opts.NoWatch, "no-watch", false, "remove the embedded Watch companion app")
	fs.BoolVar(&opts.EnableDocuments, "enable-documents", false, "expose the app's Documents folder")
	fs.BoolVar(&opts.Fakesign, "fakesign", false, "ad-hoc sign every embedded Mach-O")
	fs.BoolVar(&opts.Thin, "thin", false, "strip every embedded Mach-O to arm64")
	fs.BoolVar(&opts.RemoveExtensions, "remove-extensions", false, "delete Extensions/ and PlugIns/")
	fs.BoolVar(&opts.RemoveEncrypted, "remove-encrypted", false, "delete any encrypted app extension")
	fs.BoolVar(&opts.PatchPlugins, "patch-plugins", false, "inject plugin-support dylib into every appex")
	fs.IntVar(&opts.Compress, "compress", 6, "output .ipa deflate level, 0-9")
	fs.BoolVar(&opts.IgnoreEncrypted, "ignore-encrypted", false, "don't fail on an encrypted main binary")
	fs.BoolVar(&opts.Overwrite, "overwrite", false, "don't prompt before overwriting output")
	fs.BoolVar(&opts.UseFrameworksDir, "use-frameworks-dir", true, "inject into <app>/Frameworks instead of the bundle root")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: ruzule [flags] <input.ipa|.app>")
		os.Exit(2)
	}
	opts.Input = fs.Arg(0)
	opts.Cyan = cyan
	opts.Files = files

	log.Info("extracting...")
	if err := pipeline.RunInject(opts); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	log.Info("done")
}

func runCgen(args []string) {
	fs := flag.NewFlagSet("ruzule cgen", flag.ExitOnError)
	var opts pipeline.CgenOptions
	var files stringList
	fs.Var(&files, "f", "a dylib/framework/appex/bundle to bundle into the recipe (repeatable)")
	fs.StringVar(&opts.Name, "name", "", "")
	fs.StringVar(&opts.Version, "app-version", "", "")
	fs.StringVar(&opts.BundleID, "bundle-id", "", "")
	fs.StringVar(&opts.Minimum, "minimum", "", "")
	fs.StringVar(&opts.Icon, "icon", "", "")
	fs.StringVar(&opts.Plist, "plist", "", "")
	fs.StringVar(&opts.Entitlements, "entitlements", "", "")
	fs.BoolVar(&opts.RemoveSupportedDevices, "remove-supported-devices", false, "")
	fs.BoolVar(&opts.NoWatch, "no-watch", false, "")
	fs.BoolVar(&opts.EnableDocuments, "enable-documents", false, "")
	fs.BoolVar(&opts.Fakesign, "fakesign", false, "")
	fs.BoolVar(&opts.Thin, "thin", false, "")
	fs.BoolVar(&opts.RemoveExtensions, "remove-extensions", false, "")
	fs.BoolVar(&opts.RemoveEncrypted, "remove-encrypted", false, "")
	fs.BoolVar(&opts.PatchPlugins, "patch-plugins", false, "")
	fs.BoolVar(&opts.Overwrite, "overwrite", false, "don't prompt before overwriting output")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: ruzule cgen [flags] <output.cyan>")
		os.Exit(2)
	}
	opts.Output = fs.Arg(0)
	opts.Files = files

	log.Info("generating...")
	if err := pipeline.RunCgen(opts); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	log.Info("done")
}

func runDupe(args []string) {
	fs := flag.NewFlagSet("ruzule dupe", flag.ExitOnError)
	var opts pipeline.DupeOptions
	fs.StringVar(&opts.Output, "o", "", "output .ipa path")
	fs.StringVar(&opts.Seed, "seed", "", "seed string; a random one is generated if omitted")
	fs.StringVar(&opts.Bundle, "b", "", "10 hex char bundle id suffix; random if omitted")
	fs.BoolVar(&opts.Overwrite, "overwrite", false, "don't prompt before overwriting output")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if fs.NArg() < 1 || opts.Output == "" {
		fmt.Fprintln(os.Stderr, "usage: ruzule dupe [flags] -o <output.ipa> <input.ipa>")
		os.Exit(2)
	}
	opts.Input = fs.Arg(0)

	log.Info("duplicating...")
	if err := pipeline.RunDupe(opts); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	log.Info("done")
}
