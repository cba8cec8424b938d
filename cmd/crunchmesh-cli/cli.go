// Package crunchmesh implements the command line of a crunchmesh agent:
// key generation, the daemon itself, and operator commands talking to a
// running daemon over its local JSON API.
package crunchmesh

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/crunchmesh/crunchmesh/core"
	"github.com/crunchmesh/crunchmesh/fs"
	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/log"
)

// default output of the operational commands; the daemon uses its own
// logging.
var output io.Writer = os.Stdout

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.version=`git describe --tags`
//   -X main.buildDate=`date -u +%d/%m/%Y@%H:%M:%S` -X main.gitCommit=`git rev-parse HEAD`"
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Fprintf(output, "crunchmesh %v (date %v, commit %v)\n", version, buildDate, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: core.DefaultConfigFolder(),
	Usage: "Folder holding the node keys, config and databases, as an absolute path.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level.",
}

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "Path of the TOML configuration file. Defaults to crunchmesh.toml inside the config folder when that file exists.",
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Usage: "Multiaddr the mesh transport binds to, e.g. /ip4/0.0.0.0/tcp/4222.",
}

var apiFlag = &cli.StringFlag{
	Name:  "api",
	Value: core.DefaultAPIAddress,
	Usage: "Address of the local JSON API, used by the daemon to listen and by the other commands to reach it.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var meshFlag = &cli.StringFlag{
	Name:  "mesh",
	Usage: "Identifier of the mesh to join. Nodes on different meshes never see each other.",
	Value: core.DefaultMeshID,
}

var nameFlag = &cli.StringFlag{
	Name:  "name",
	Usage: "Human-readable node name announced to peers.",
}

var bootstrapFlag = &cli.StringFlag{
	Name:  "bootstrap",
	Usage: "<MULTIADDR>,<...> of (multiple) reachable mesh peers dialed on startup.",
}

var capabilityFlag = &cli.StringSliceFlag{
	Name:  "capability",
	Usage: "Additional job type announced to the mesh on top of the registered runners. Repeatable.",
}

var noRunnersFlag = &cli.BoolFlag{
	Name:  "no-builtin-runners",
	Usage: "Do not register the built-in echo and sleep runners; the node only announces the capabilities it is given.",
}

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "Print the raw JSON answer of the daemon instead of a summary.",
}

var insecureAPIFlag = &cli.BoolFlag{
	Name:  "api-insecure",
	Usage: "Skip certificate checks when the daemon API answers self-signed TLS.",
}

var typeFlag = &cli.StringFlag{
	Name:     "type",
	Usage:    "Job type of the submitted job, e.g. echo.",
	Required: true,
}

var paymentFlag = &cli.Float64Flag{
	Name:     "payment",
	Usage:    "Tokens offered to the winner of the job.",
	Required: true,
}

var priorityFlag = &cli.Float64Flag{
	Name:  "priority",
	Usage: "Job priority in [0,1]. Zero picks the node default.",
}

var deadlineFlag = &cli.Float64Flag{
	Name:  "deadline",
	Usage: "Execution deadline in seconds from submission. Zero picks the node default.",
}

var requirementFlag = &cli.StringSliceFlag{
	Name:  "requirement",
	Usage: "Capability required from the executing node. Repeatable.",
}

var payloadFlag = &cli.StringFlag{
	Name:  "payload",
	Usage: "Job payload as a JSON object, handed opaque to the winning runner.",
}

var confidentialFlag = &cli.BoolFlag{
	Name:  "confidential",
	Usage: "Seal the job output towards this node's encryption key.",
}

var waitFlag = &cli.BoolFlag{
	Name:  "wait",
	Usage: "Block until the job has a result and print it.",
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

var appCommands = []*cli.Command{
	{
		Name: "start",
		Usage: "Start the crunchmesh daemon: join the mesh, bid on jobs and " +
			"serve the local API.",
		Flags: toArray(folderFlag, configFlag, listenFlag, apiFlag, metricsFlag,
			meshFlag, nameFlag, bootstrapFlag, capabilityFlag, noRunnersFlag,
			verboseFlag),
		Action: func(c *cli.Context) error {
			banner()
			return startCmd(c)
		},
	},
	{
		Name: "generate-keypair",
		Usage: "Generate the longterm keypair (crunchmesh_id.private, " +
			"crunchmesh_id.public) for this node.\n",
		Flags: toArray(folderFlag),
		Action: func(c *cli.Context) error {
			banner()
			return keygenCmd(c)
		},
	},
	{
		Name:  "submit",
		Usage: "Submit a job to the mesh through a running daemon.",
		Flags: toArray(apiFlag, insecureAPIFlag, typeFlag, paymentFlag,
			priorityFlag, deadlineFlag, requirementFlag, payloadFlag,
			confidentialFlag, waitFlag, jsonFlag),
		Action: submitCmd,
	},
	{
		Name:  "get",
		Usage: "Retrieve state from a running daemon over its local API.",
		Flags: toArray(apiFlag, insecureAPIFlag, jsonFlag),
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Summary of the node: identity, peers, balance, trust.",
				Flags:  toArray(apiFlag, insecureAPIFlag, jsonFlag),
				Action: getStatusCmd,
			},
			{
				Name:   "peers",
				Usage:  "The peer table as seen by the gossip layer.",
				Flags:  toArray(apiFlag, insecureAPIFlag, jsonFlag),
				Action: getPeersCmd,
			},
			{
				Name:   "wallet",
				Usage:  "Wallet snapshot with its conservation totals.",
				Flags:  toArray(apiFlag, insecureAPIFlag, jsonFlag),
				Action: getWalletCmd,
			},
			{
				Name:   "transactions",
				Usage:  "The full signed ledger, oldest entry first.",
				Flags:  toArray(apiFlag, insecureAPIFlag, jsonFlag),
				Action: getTransactionsCmd,
			},
			{
				Name:   "auctions",
				Usage:  "Auctions currently tracked by the node.",
				Flags:  toArray(apiFlag, insecureAPIFlag, jsonFlag),
				Action: getAuctionsCmd,
			},
			{
				Name:   "reputation",
				Usage:  "Own trust plus every tracked peer, quarantined ones included.",
				Flags:  toArray(apiFlag, insecureAPIFlag, jsonFlag),
				Action: getReputationCmd,
			},
			{
				Name:      "job",
				Usage:     "Tracked state of one job.",
				ArgsUsage: "<JOB_ID> as returned by submit.",
				Flags:     toArray(apiFlag, insecureAPIFlag, jsonFlag),
				Action:    getJobCmd,
			},
		},
	},
	{
		Name:  "show",
		Usage: "Local information retrieval about the node's cryptographic material.",
		Flags: toArray(folderFlag),
		Subcommands: []*cli.Command{
			{
				Name:   "public",
				Usage:  "Shows the long-term public identity of this node.\n",
				Flags:  toArray(folderFlag),
				Action: showPublicCmd,
			},
			{
				Name:   "private",
				Usage:  "Shows the long-term private keys of this node.\n",
				Flags:  toArray(folderFlag),
				Action: showPrivateCmd,
			},
		},
	},
	{
		Name:  "util",
		Usage: "Utility functions: connectivity checks, starter config generation.",
		Subcommands: []*cli.Command{
			{
				Name:      "check",
				Usage:     "Check the daemons at the given `ADDRESS` (you can put multiple ones) answer on their local API.",
				ArgsUsage: "<ADDRESS:PORT> ... of the APIs to probe.",
				Flags:     toArray(insecureAPIFlag, verboseFlag),
				Action:    checkCmd,
			},
			{
				Name:  "gen-config",
				Usage: "Write a starter crunchmesh.toml with every knob at its default, ready to be edited.",
				Flags: toArray(folderFlag),
				Action: func(c *cli.Context) error {
					return genConfigCmd(c)
				},
			},
		},
	},
}

// CLI runs the crunchmesh app.
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "crunchmesh"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(output, "crunchmesh %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version
	app.Usage = "decentralized compute mesh agent"
	app.Commands = appCommands
	app.Flags = toArray(verboseFlag, folderFlag)
	return app
}

func keygenCmd(c *cli.Context) error {
	conf := contextToConfig(c)
	fileStore := key.NewFileStore(conf.ConfigFolder())

	if _, err := fileStore.LoadKeyPair(); err == nil {
		fmt.Fprintf(output, "Keypair already present in `%s`.\nRemove it before generating a new one.\n", conf.ConfigFolder())
		return nil
	}
	priv := key.NewKeyPair(c.Args().First())
	if err := fileStore.SaveKeyPair(priv); err != nil {
		return fmt.Errorf("could not save key: %w", err)
	}
	fullpath := path.Join(conf.ConfigFolder(), key.KeyFolderName)
	absPath, err := filepath.Abs(fullpath)
	if err != nil {
		return fmt.Errorf("err getting full path: %w", err)
	}
	fmt.Fprintln(output, "Generated keys at ", absPath)
	fmt.Fprintln(output, "Node id: ", priv.Public.ID())
	var buff bytes.Buffer
	if err := toml.NewEncoder(&buff).Encode(priv.Public.TOML()); err != nil {
		panic(err)
	}
	buff.WriteString("\n")
	fmt.Fprintln(output, buff.String())
	return nil
}

func showPublicCmd(c *cli.Context) error {
	pair, err := loadPair(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "Node id: %s\n", pair.Public.ID())
	return toml.NewEncoder(output).Encode(pair.Public.TOML())
}

func showPrivateCmd(c *cli.Context) error {
	pair, err := loadPair(c)
	if err != nil {
		return err
	}
	return toml.NewEncoder(output).Encode(pair.TOML())
}

func genConfigCmd(c *cli.Context) error {
	conf := contextToConfig(c)
	if fs.CreateSecureFolder(conf.ConfigFolder()) == "" {
		return fmt.Errorf("could not create config folder %s", conf.ConfigFolder())
	}
	target := path.Join(conf.ConfigFolder(), core.FileConfigName)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("config file %s already exists, not overwriting it", target)
	}
	if err := core.NewFileConfig().Save(target); err != nil {
		return err
	}
	fmt.Fprintf(output, "Wrote starter config to %s\n", target)
	return nil
}

func loadPair(c *cli.Context) (*key.Pair, error) {
	conf := contextToConfig(c)
	fileStore := key.NewFileStore(conf.ConfigFolder())
	pair, err := fileStore.LoadKeyPair()
	if err != nil {
		return nil, fmt.Errorf("could not load keypair from %s: %w. Run `crunchmesh generate-keypair` first", conf.ConfigFolder(), err)
	}
	return pair, nil
}

// contextToConfig turns the common CLI flags into a node config. The
// daemon adds its own options on top in startCmd.
func contextToConfig(c *cli.Context) *core.Config {
	opts := []core.ConfigOption{
		core.WithConfigFolder(c.String(folderFlag.Name)),
	}
	if c.Bool(verboseFlag.Name) {
		opts = append(opts, core.WithLogger(log.New(nil, log.DebugLevel, false)))
	}
	return core.NewConfig(opts...)
}

func fileConfigPath(c *cli.Context, conf *core.Config) (string, bool, error) {
	if p := c.String(configFlag.Name); p != "" {
		return p, true, nil
	}
	p := path.Join(conf.ConfigFolder(), core.FileConfigName)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return p, true, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
