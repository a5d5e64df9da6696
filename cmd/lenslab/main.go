// Command lenslab bootstraps computational imaging experiments: it resolves
// an experiment configuration, selects a compute device, builds the lens
// model, and constructs the restoration network.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lenslab/lenslab/device"
	"github.com/lenslab/lenslab/fetch"
	"github.com/lenslab/lenslab/lens"
	"github.com/lenslab/lenslab/ortlib"
	"github.com/lenslab/lenslab/pipeline"
	"github.com/lenslab/lenslab/platform"
	"github.com/lenslab/lenslab/runlog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "lenslab",
		Short:         "Computational imaging experiment workbench",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(runCmd())
	cmd.AddCommand(lensCmd())
	cmd.AddCommand(devicesCmd())
	cmd.AddCommand(runsCmd())
	cmd.AddCommand(fetchCmd())
	cmd.AddCommand(setupCmd())
	return cmd
}

func defaultRegistryPath() string {
	return filepath.Join(platform.GetDataDir(), "runs.db")
}

func runCmd() *cobra.Command {
	var configPath string
	var registryPath string
	var noRegistry bool

	c := &cobra.Command{
		Use:   "run",
		Short: "Initialize an experiment run from a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := pipeline.Options{
				ConfigPath: configPath,
				Log:        logrus.StandardLogger(),
			}

			if !noRegistry {
				reg, err := runlog.Open(registryPath)
				if err != nil {
					return err
				}
				defer reg.Close()
				opts.Registry = reg
			}

			res, err := pipeline.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer res.Net.Close()

			fmt.Printf("run %s initialized in %s\n", res.Config.RunName, res.Config.RunDir)
			return nil
		},
	}

	c.Flags().StringVarP(&configPath, "config", "c", "config.yml", "experiment configuration file")
	c.Flags().StringVar(&registryPath, "registry", defaultRegistryPath(), "run registry database")
	c.Flags().BoolVar(&noRegistry, "no-registry", false, "skip recording the run")
	return c
}

func lensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lens",
		Short: "Inspect lens specifications",
	}
	cmd.AddCommand(lensInfoCmd())
	return cmd
}

func lensInfoCmd() *cobra.Command {
	var res int

	c := &cobra.Command{
		Use:   "info <spec.json>",
		Short: "Print lens model diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := fetch.Artifact(cmd.Context(), args[0], fetch.Options{})
			if err != nil {
				return err
			}
			m, err := lens.Load(path)
			if err != nil {
				return err
			}
			if res > 0 {
				if err := m.SetSensorResolution(res, res); err != nil {
					return err
				}
			}

			w, h := m.SensorSize()
			rw, rh := m.SensorResolution()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "lens:\t%s\n", m.Name())
			fmt.Fprintf(tw, "focal length:\t%.2f mm\n", m.FocalLength())
			fmt.Fprintf(tw, "f-number:\tf/%.1f\n", m.FNumber())
			fmt.Fprintf(tw, "field of view:\t%.1f deg\n", m.FOV())
			fmt.Fprintf(tw, "surfaces:\t%d\n", m.Surfaces())
			fmt.Fprintf(tw, "sensor:\t%.2f x %.2f mm @ %d x %d px\n", w, h, rw, rh)
			return tw.Flush()
		},
	}

	c.Flags().IntVar(&res, "res", 0, "adapt the sensor to this square resolution before printing")
	return c
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Show the compute device that would be selected",
		RunE: func(_ *cobra.Command, _ []string) error {
			dev := device.DefaultSelector(logrus.StandardLogger()).Detect()
			fmt.Printf("device: %s\n", dev)
			fmt.Printf("accelerators: %d\n", dev.Count)
			fmt.Printf("logical cpus: %d\n", dev.CPUs)
			return nil
		},
	}
}

func runsCmd() *cobra.Command {
	var registryPath string
	var limit int

	c := &cobra.Command{
		Use:   "runs",
		Short: "List recent experiment runs",
		RunE: func(_ *cobra.Command, _ []string) error {
			reg, err := runlog.Open(registryPath)
			if err != nil {
				return err
			}
			defer reg.Close()

			runs, err := reg.Recent(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATE\tDEVICE\tSEED\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					r.Name, r.State, r.Device, r.Seed, r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	c.Flags().StringVar(&registryPath, "registry", defaultRegistryPath(), "run registry database")
	c.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return c
}

func fetchCmd() *cobra.Command {
	var sha string
	var cacheDir string
	var extractTo string

	c := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Stage a remote artifact into the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := fetch.Options{
				CacheDir: cacheDir,
				SHA256:   sha,
				Progress: func(done, total int64) {
					if total > 0 {
						fmt.Fprintf(os.Stderr, "\r%3d%% (%d/%d bytes)", done*100/total, done, total)
					}
				},
			}
			path, err := fetch.Artifact(cmd.Context(), args[0], opts)
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}

			if extractTo != "" {
				if !fetch.IsArchive(path) {
					return fmt.Errorf("%s is not a supported archive", path)
				}
				progress := func(p fetch.Progress) {
					if p.Message != "" {
						fmt.Fprintf(os.Stderr, "\r%s", p.Message)
					}
				}
				if err := fetch.ExtractArchive(path, extractTo, progress); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr)
				fmt.Println(extractTo)
				return nil
			}

			fmt.Println(path)
			return nil
		},
	}

	c.Flags().StringVar(&sha, "sha256", "", "expected hex checksum of the artifact")
	c.Flags().StringVar(&cacheDir, "cache-dir", "", "override the artifact cache directory")
	c.Flags().StringVar(&extractTo, "extract-to", "", "unpack the fetched archive into this directory")
	return c
}

func setupCmd() *cobra.Command {
	var version string

	c := &cobra.Command{
		Use:   "setup",
		Short: "Install the ONNX Runtime library used for inference",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := ortlib.Ensure(cmd.Context(), ortlib.Options{
				Version: version,
				Log:     logrus.StandardLogger(),
				Progress: func(done, total int64) {
					if total > 0 {
						fmt.Fprintf(os.Stderr, "\r%3d%% (%d/%d bytes)", done*100/total, done, total)
					}
				},
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			fmt.Printf("onnxruntime ready at %s\n", path)
			return nil
		},
	}

	c.Flags().StringVar(&version, "version", ortlib.DefaultVersion, "ONNX Runtime release to install")
	return c
}
