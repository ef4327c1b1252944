package pcap

import (
	"arpguard/internal/model"
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapngMagic = 0x0A0D0D0A

type packetSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Reader reads raw frames from a pcap or pcapng file.
type Reader struct {
	file   *os.File
	source packetSource
	iface  string
}

// NewReader opens filePath and detects its format. Frames are tagged with iface.
func NewReader(filePath, iface string) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(file)
	magic, err := br.Peek(4)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	var source packetSource
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		source, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		source, err = pcapgo.NewReader(br)
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open capture %s: %w", filePath, err)
	}

	return &Reader{file: file, source: source, iface: iface}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() {
	r.file.Close()
}

// LinkType returns the link type recorded in the file header.
func (r *Reader) LinkType() layers.LinkType {
	return r.source.LinkType()
}

// ReadFrames calls emit for every frame in the file, in file order, until the
// file ends or emit returns false.
func (r *Reader) ReadFrames(emit func(model.Frame) bool) error {
	for {
		data, ci, err := r.source.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		if !emit(model.Frame{Data: data, Timestamp: ci.Timestamp, Interface: r.iface}) {
			return nil
		}
	}
}
