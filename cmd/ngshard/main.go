// Command-line tool for Neuroglancer precomputed datasets.
// Rewrites a flat (file-per-chunk) dataset as a sharded one.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/ngshard/ngshard"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	dryrun = flag.Bool("dryrun", false, "")
)

const helpMessage = `
ngshard rewrites a flat Neuroglancer precomputed dataset as a sharded one.

Usage: ngshard [options] <config.toml>

	-dryrun     (flag)    Read the source and report totals without writing shards.
	-verbose    (flag)    Run in verbose mode.
	-h, -help   (flag)    Show help message

The config file sets the source and destination plus the shard layout:

	[logging]
	logfile = "/path/to/ngshard.log"   # empty logs to stderr
	max_log_size = 500                 # MB before rotation
	max_log_age = 30                   # days to retain

	[reshard]
	source = "/data/flat"              # accessor ref: path, file://, gs://, http(s)://, mem://
	dest = "/data/sharded"             # accessor ref, must be writable
	scales = ["8_8_8"]                 # empty means every scale
	minishard_bits = 6
	shard_bits = 9
	data_encoding = "gzip"             # "raw" or "gzip"
	index_encoding = "gzip"            # "raw" or "gzip"
	on_disk = false                    # spill shard buffers to temp files
	cache_mb = 0                       # read-side chunk cache
	fetchers = 8                       # parallel source reads per scale
`

type tomlConfig struct {
	Logging ngshard.LogConfig
	Reshard reshardConfig
}

type reshardConfig struct {
	Source        string
	Dest          string
	Scales        []string
	MinishardBits uint8  `toml:"minishard_bits"`
	ShardBits     uint8  `toml:"shard_bits"`
	DataEncoding  string `toml:"data_encoding"`
	IndexEncoding string `toml:"index_encoding"`
	OnDisk        bool   `toml:"on_disk"`
	CacheMB       int    `toml:"cache_mb"`
	Fetchers      int
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() {
		fmt.Print(helpMessage)
	}
	flag.Parse()

	if *showHelp || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		ngshard.Verbose = true
		ngshard.SetLogMode(ngshard.DebugMode)
	}

	var config tomlConfig
	if _, err := toml.DecodeFile(flag.Arg(0), &config); err != nil {
		fmt.Fprintf(os.Stderr, "could not decode TOML config: %v\n", err)
		os.Exit(1)
	}
	config.Logging.SetLogger()
	defer ngshard.Shutdown()

	if err := reshard(context.Background(), config.Reshard, *dryrun); err != nil {
		ngshard.Errorf("resharding failed: %v\n", err)
		ngshard.Shutdown()
		os.Exit(1)
	}
}
