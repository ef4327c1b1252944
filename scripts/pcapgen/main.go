package main

import (
	"arpguard/internal/arpframe"
	"arpguard/internal/model"
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"sort"
	"time"
)

// pcapgen writes synthetic ARP traffic: a LAN of hosts resolving each other
// and their gateway, optionally mixed with attack traffic.
func main() {
	outputFile := flag.String("o", "arp.pcap", "Output pcap file path")
	hosts := flag.Int("hosts", 20, "Number of benign hosts")
	duration := flag.Duration("d", 5*time.Minute, "Simulated capture duration")
	attack := flag.String("attack", "none", "Attack to inject: none, gratuitous, conflict, unsolicited, all")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	lan := newLAN(*hosts, rng)
	frames := lan.normal(start, *duration, rng)

	mid := start.Add(*duration / 2)
	switch *attack {
	case "none":
	case "gratuitous":
		frames = append(frames, lan.gratuitousFlood(mid)...)
	case "conflict":
		frames = append(frames, lan.poisonGateway(mid)...)
	case "unsolicited":
		frames = append(frames, lan.unsolicitedFlood(mid)...)
	case "all":
		frames = append(frames, lan.gratuitousFlood(mid)...)
		frames = append(frames, lan.poisonGateway(mid.Add(time.Minute))...)
		frames = append(frames, lan.unsolicitedFlood(mid.Add(2*time.Minute))...)
	default:
		log.Fatalf("Unknown attack %q", *attack)
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Timestamp.Before(frames[j].Timestamp) })

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	if err := arpframe.WritePcap(f, frames); err != nil {
		log.Fatalf("Failed to write frames: %v", err)
	}
	log.Printf("Wrote %d frames to %s", len(frames), *outputFile)
}

type host struct {
	mac net.HardwareAddr
	ip  net.IP
}

type lan struct {
	gateway  host
	hosts    []host
	attacker host
}

// Known vendor prefixes so benign hosts look like ordinary equipment.
var vendorPrefixes = [][3]byte{
	{0x00, 0x1b, 0x63}, // Apple
	{0x00, 0x0c, 0x29}, // VMware
	{0x00, 0x1b, 0x21}, // Intel
	{0x00, 0x14, 0x22}, // Dell
}

func newLAN(n int, rng *rand.Rand) *lan {
	l := &lan{
		gateway:  host{mac: arpframe.MAC("00:00:0c:01:02:03"), ip: arpframe.IP("192.168.1.1")},
		attacker: host{mac: arpframe.MAC("02:de:ad:be:ef:01"), ip: arpframe.IP("192.168.1.250")},
	}
	for i := 0; i < n; i++ {
		p := vendorPrefixes[rng.Intn(len(vendorPrefixes))]
		mac := net.HardwareAddr{p[0], p[1], p[2], byte(rng.Intn(256)), byte(rng.Intn(256)), byte(i)}
		ip := net.IPv4(192, 168, 1, byte(10+i)).To4()
		l.hosts = append(l.hosts, host{mac: mac, ip: ip})
	}
	return l
}

// normal emits request/reply exchanges with the gateway at a few per minute
// per host, plus one probe and one announcement per host at start-up.
func (l *lan) normal(start time.Time, d time.Duration, rng *rand.Rand) []model.Frame {
	var frames []model.Frame
	for i, h := range l.hosts {
		boot := start.Add(time.Duration(i) * 500 * time.Millisecond)
		frames = append(frames,
			arpframe.Frame(arpframe.Probe(h.mac, h.ip), boot, ""),
			arpframe.Frame(arpframe.Gratuitous(h.mac, h.ip), boot.Add(time.Second), ""),
		)
		for ts := boot.Add(2 * time.Second); ts.Before(start.Add(d)); ts = ts.Add(time.Duration(15+rng.Intn(45)) * time.Second) {
			frames = append(frames,
				arpframe.Frame(arpframe.Request(h.mac, h.ip, l.gateway.ip), ts, ""),
				arpframe.Frame(arpframe.Reply(l.gateway.mac, l.gateway.ip, h.mac, h.ip), ts.Add(time.Duration(1+rng.Intn(5))*time.Millisecond), ""),
			)
		}
	}
	return frames
}

func (l *lan) gratuitousFlood(at time.Time) []model.Frame {
	var frames []model.Frame
	for i := 0; i < 20; i++ {
		frames = append(frames, arpframe.Frame(arpframe.Gratuitous(l.attacker.mac, l.attacker.ip), at.Add(time.Duration(i)*25*time.Millisecond), ""))
	}
	return frames
}

// poisonGateway claims the gateway address from the attacker's MAC towards every host.
func (l *lan) poisonGateway(at time.Time) []model.Frame {
	var frames []model.Frame
	for i, h := range l.hosts {
		frames = append(frames, arpframe.Frame(arpframe.Reply(l.attacker.mac, l.gateway.ip, h.mac, h.ip), at.Add(time.Duration(i)*100*time.Millisecond), ""))
	}
	return frames
}

func (l *lan) unsolicitedFlood(at time.Time) []model.Frame {
	var frames []model.Frame
	for i := 0; i < 10; i++ {
		h := l.hosts[i%len(l.hosts)]
		frames = append(frames, arpframe.Frame(arpframe.Reply(l.attacker.mac, l.attacker.ip, h.mac, h.ip), at.Add(time.Duration(i)*200*time.Millisecond), ""))
	}
	return frames
}
