// Command gen-trnlog writes a synthetic mission directory for replay.
package main

import (
	"flag"
	"log"
	"sort"

	"github.com/banshee-data/trn.replay/internal/mission"
	"github.com/banshee-data/trn.replay/internal/trn"
)

func main() {
	p := mission.DefaultPlan()
	output := flag.String("o", "mission", "output directory")
	flag.Float64Var(&p.Duration, "duration", p.Duration, "mission length in seconds")
	flag.Float64Var(&p.AnchorPeriod, "anchor-period", p.AnchorPeriod, "seconds between TRN records")
	flag.Float64Var(&p.DVLPeriod, "dvl-period", p.DVLPeriod, "seconds between DVL records (0 omits the log)")
	flag.Float64Var(&p.NavPeriod, "nav-period", p.NavPeriod, "seconds between NAV records (0 omits the log)")
	flag.Float64Var(&p.Jitter, "jitter", p.Jitter, "max secondary time offset in seconds")
	flag.IntVar(&p.Beams, "beams", p.Beams, "beams per measurement")
	flag.Float64Var(&p.NavDropout[0], "nav-dropout-from", 0, "start of a NAV dropout, seconds into the mission")
	flag.Float64Var(&p.NavDropout[1], "nav-dropout-to", 0, "end of the NAV dropout")
	flag.BoolVar(&p.MbTrn, "mbtrn", false, "write MbTrn.log instead of TerrainNav.log")
	flag.StringVar(&p.CSVName, "csv", "", "also write an LRAUV CSV DVL file with this name")
	flag.BoolVar(&p.NoAnchor, "no-anchor", false, "omit the anchor log")
	flag.StringVar(&p.Host, "host", "", "terrainNavServer to write into the attribute file")
	flag.IntVar(&p.Port, "port", 0, "terrainNavPort to write into the attribute file")
	flag.BoolVar(&p.Reinits, "reinits", false, "allow filter reinits")
	flag.Int64Var(&p.Seed, "seed", p.Seed, "random seed")
	flag.Parse()

	man, err := mission.Generate(*output, p)
	if err != nil {
		log.Fatalf("generate mission: %v", err)
	}

	kinds := make([]string, 0, len(man.Files))
	for k := range man.Files {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		log.Printf("%-8s %6d records  %s", k, man.Records[trn.SourceKind(k)], man.Files[trn.SourceKind(k)])
	}
	log.Printf("✓ Created: %s (attributes %s)", man.Dir, man.Config)
}
