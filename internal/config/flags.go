package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// CLI holds the flag surface spec.md §6 requires the core process to
// accept. The teacher's own corpus carries no CLI-parsing library (it
// hardcodes its dial address in constants.go), so this is the one place
// the standard library's flag package is used directly rather than an
// ecosystem alternative — there is nothing in the teacher or the rest of
// the pack to ground a third-party flag library on.
type CLI struct {
	PartitionID    int
	Instrument     string
	CollectionAddr string
	ReadoutGroup   int
	Alias          string
	NumEvBuffers   int
	NumEvQueues    int
	Distribute     bool
	PrometheusDir  string
	Verbose        bool
	Cores          string
}

// Parse parses args (excluding the program name) into a CLI.
func Parse(args []string) (CLI, error) {
	fs := flag.NewFlagSet("eventbuilder", flag.ContinueOnError)
	c := CLI{}
	fs.IntVar(&c.PartitionID, "p", 0, "partition id")
	fs.StringVar(&c.Instrument, "instrument", "", "instrument name")
	fs.StringVar(&c.CollectionAddr, "C", "", "collection-server address")
	fs.IntVar(&c.ReadoutGroup, "readout", 0, "readout group bit")
	fs.StringVar(&c.Alias, "alias", "", "alias for this process")
	fs.IntVar(&c.NumEvBuffers, "numEvBuffers", 64, "number of monitor ring buffers")
	fs.IntVar(&c.NumEvQueues, "numEvQueues", 4, "number of monitor consumer queues")
	fs.BoolVar(&c.Distribute, "distribute", true, "round-robin fan-out across consumer queues")
	fs.StringVar(&c.PrometheusDir, "prometheusDir", "", "prometheus textfile metrics directory")
	fs.BoolVar(&c.Verbose, "v", false, "verbose logging")
	fs.StringVar(&c.Cores, "cores", "0,1,2,3", "comma-separated CPU cores for the contribution-receive, result-receive, ageing-timer and monitor fan-out threads, in that order (spec.md §5)")
	if err := fs.Parse(args); err != nil {
		return CLI{}, err
	}
	if c.NumEvBuffers < 0 || c.NumEvBuffers > MaxEnvBufferIndex {
		return CLI{}, fmt.Errorf("flags: numEvBuffers %d exceeds the 8-bit env-word field (max %d)", c.NumEvBuffers, MaxEnvBufferIndex)
	}
	if _, err := c.CoreList(); err != nil {
		return CLI{}, err
	}
	return c, nil
}

// CoreList parses --cores into the 4 per-thread core assignments named by
// spec.md §5, in contribution-receive/result-receive/ageing-timer/
// monitor-fan-out order.
func (c CLI) CoreList() ([4]int, error) {
	var cores [4]int
	parts := strings.Split(c.Cores, ",")
	if len(parts) != len(cores) {
		return cores, fmt.Errorf("flags: cores %q must name exactly %d comma-separated CPU indices", c.Cores, len(cores))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return cores, fmt.Errorf("flags: cores %q: %w", c.Cores, err)
		}
		cores[i] = n
	}
	return cores, nil
}

// ApplyTo overlays the parsed flags onto a Limits, returning the merged
// configuration.
func (c CLI) ApplyTo(l Limits) Limits {
	l.NumEvBuffers = uint32(c.NumEvBuffers)
	l.NumEvQueues = uint32(c.NumEvQueues)
	l.Distribute = c.Distribute
	return l
}
