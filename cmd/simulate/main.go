// Command simulate loads a scenario configuration and runs it to
// completion, printing per-connection statistics (spec.md §6 "scenario
// script that instantiates nodes and schedules world events", §8 summary
// properties).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/user/blesim/logger"
	"github.com/user/blesim/scenario"
	"github.com/user/blesim/util"
)

func main() {
	configPath := flag.String("config", "", "path to a scenario config JSON file")
	seed := flag.Int64("seed", 0, "override the scenario's RNG seed (0 keeps the file's value)")
	duration := flag.Float64("duration", 0, "override the scenario's run length in seconds (0 keeps the file's value)")
	pcapDir := flag.String("pcap-dir", "", "directory to write per-node PCAP traces into (overrides the file's value)")
	pcapExt := flag.String("pcap-ext", "", "PCAP file extension, \".pcap\" or \".pcapng\" (overrides the file's value)")
	traceID := flag.String("trace-id", "", "if set and -pcap-dir is not, write PCAP traces under the BLESIM_DATA_DIR tree named by this run ID")
	logLevel := flag.String("log-level", "info", "TRACE, DEBUG, INFO, WARN, or ERROR")
	flag.Parse()

	logger.SetLevel(logger.ParseLevel(*logLevel))

	if *configPath == "" {
		log.Fatal("simulate: -config is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("simulate: %v", err)
	}

	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *duration != 0 {
		cfg.DurationSeconds = *duration
	}
	switch {
	case *pcapDir != "":
		cfg.PCAPPath = *pcapDir
	case *traceID != "":
		dir, err := util.GetTraceDir(*traceID)
		if err != nil {
			log.Fatalf("simulate: preparing trace directory: %v", err)
		}
		cfg.PCAPPath = dir
		if cfg.PCAPExtension == "" {
			cfg.PCAPExtension = ".pcap"
		}
	}
	if *pcapExt != "" {
		cfg.PCAPExtension = *pcapExt
	}

	s, errs := scenario.Build(cfg, nil)
	if len(errs) > 0 {
		for _, e := range errs {
			logger.Error("simulate", "%v", e)
		}
		log.Fatalf("simulate: %d configuration error(s), aborting", len(errs))
	}

	logger.Info("simulate", "running %d node(s), %d connection(s) for %.3fs", len(s.Nodes), len(s.Connections)/2, cfg.DurationSeconds)
	s.Run()

	printSummary(s)
}

func loadConfig(path string) (scenario.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return scenario.Config{}, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	var cfg scenario.Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return scenario.Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func printSummary(s *scenario.Scenario) {
	fmt.Printf("=== simulation complete at t=%d us ===\n", s.Scheduler.Now())
	for name, conn := range s.Connections {
		st := conn.Stats()
		fmt.Printf("%-24s tx=%-6d rx=%-6d acked=%-6d retx=%-6d crc_fail=%-4d overflow=%-4d active=%v\n",
			name, st.TransmittedPackets, st.ReceivedPackets, st.AcknowledgedPackets,
			st.RetransmittedPackets, st.CRCFailedPackets, st.QueueOverflowCount, conn.Active())
	}
}
