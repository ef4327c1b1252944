package main

import (
	"arpguard/internal/engine/protocol"
	"arpguard/internal/model"
	"arpguard/pkg/pcap"
	"flag"
	"fmt"
	"log"
	"os"
)

// pcapana prints the decoded ARP records of a capture file and a summary of
// parse failures.
func main() {
	limit := flag.Int("n", 20, "Number of records to print (0 for all)")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Println("Usage: go run ./scripts/pcapana [-n N] <path_to_pcap_file>")
		os.Exit(1)
	}

	reader, err := pcap.NewReader(flag.Arg(0), "file")
	if err != nil {
		log.Fatalf("Failed to open pcap file: %v", err)
	}
	defer reader.Close()

	var printed, total int
	failures := map[protocol.ErrorKind]int{}
	err = reader.ReadFrames(func(f model.Frame) bool {
		total++
		rec, err := protocol.ParseFrame(f)
		if err != nil {
			kind, _ := protocol.KindOf(err)
			failures[kind]++
			return true
		}
		if *limit == 0 || printed < *limit {
			printed++
			fmt.Printf("[%s] %-7s %s (%s) -> %s (%s)\n",
				rec.Timestamp.Format("15:04:05.000"), rec.Op,
				rec.SenderIP, rec.SenderMAC, rec.TargetIP, rec.TargetMAC)
		}
		return true
	})
	if err != nil {
		log.Fatalf("Failed to read frames: %v", err)
	}

	fmt.Printf("\n%d frames, %d ARP records\n", total, total-sum(failures))
	for _, kind := range protocol.Kinds {
		if n := failures[kind]; n > 0 {
			fmt.Printf("  %s: %d\n", kind, n)
		}
	}
}

func sum(m map[protocol.ErrorKind]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
