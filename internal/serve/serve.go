// Package serve implements the JetX UDP server loop: receive a lookup
// datagram, dispatch it through a namespace, and reply with found/missing
// (spec section 7). One goroutine is spawned per bound socket, mirroring
// the teacher's one-goroutine-per-listener shape in its HTTP/gRPC servers.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
	"k8s.io/klog/v2"

	"github.com/jetxdb/jetx/internal/fragment"
	"github.com/jetxdb/jetx/internal/namespace"
	"github.com/jetxdb/jetx/internal/servemetrics"
	"github.com/jetxdb/jetx/internal/wire"
)

// Config controls a server run.
type Config struct {
	// ListenAddrs are host:port pairs bound with net.ListenPacket("udp", ...).
	ListenAddrs []string
	Namespace   *namespace.Namespace
	Recorder    servemetrics.Recorder
	// Now returns the current time; overridable for deterministic tests.
	// The low 32 bits of Now().UnixMilli() feed deadline comparisons.
	Now func() time.Time
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Config) recorder() servemetrics.Recorder {
	if c.Recorder != nil {
		return c.Recorder
	}
	return servemetrics.Noop{}
}

// Run binds every listen address in cfg and serves until ctx is canceled or
// a listener fails to bind. It returns the first bind error, if any; once
// all listeners are up it blocks until ctx.Done().
func Run(ctx context.Context, cfg Config) error {
	if len(cfg.ListenAddrs) == 0 {
		return fmt.Errorf("serve: no listen addresses configured")
	}
	if cfg.Namespace == nil {
		return fmt.Errorf("serve: namespace is required")
	}

	conns := make([]net.PacketConn, 0, len(cfg.ListenAddrs))
	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}
	for _, addr := range cfg.ListenAddrs {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			closeAll()
			return fmt.Errorf("serve: listen %s: %w", addr, err)
		}
		conns = append(conns, conn)
		klog.Infof("jetx: listening on %s", conn.LocalAddr())
	}

	errCh := make(chan error, len(conns))
	for _, conn := range conns {
		go func(conn net.PacketConn) {
			errCh <- serveConn(ctx, conn, &cfg)
		}(conn)
	}

	defer closeAll()
	select {
	case <-ctx.Done():
		closeAll()
		for range conns {
			<-errCh
		}
		return nil
	case err := <-errCh:
		closeAll()
		return err
	}
}

const maxDatagramBuf = 65535

// growBuf resizes a pooled buffer to exactly n bytes, reusing its backing
// array when it's already big enough instead of allocating.
func growBuf(bb *bytebufferpool.ByteBuffer, n int) {
	if cap(bb.B) < n {
		bb.B = make([]byte, n)
	} else {
		bb.B = bb.B[:n]
	}
}

func serveConn(ctx context.Context, conn net.PacketConn, cfg *Config) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		buf := bytebufferpool.Get()
		growBuf(buf, maxDatagramBuf)
		n, addr, err := conn.ReadFrom(buf.B)
		if err != nil {
			bytebufferpool.Put(buf)
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			klog.Warningf("jetx: read error: %v", err)
			continue
		}

		handleDatagram(cfg, conn, addr, buf.B[:n])
		bytebufferpool.Put(buf)
	}
}

func handleDatagram(cfg *Config, conn net.PacketConn, from net.Addr, datagram []byte) {
	rec := cfg.recorder()
	start := cfg.now()

	source := sourceDestination(from)
	lookup, err := wire.DecodeLookup(datagram, len(datagram), source)
	if err != nil {
		rec.RecordDrop(servemetrics.DropMalformed)
		return
	}

	if !lookup.Header.DecTTL() {
		rec.RecordDrop(servemetrics.DropTTLExhausted)
		return
	}

	nowMs := uint32(start.UnixMilli())
	if lookup.Header.Expired(nowMs) {
		rec.RecordDrop(servemetrics.DropExpired)
		return
	}

	tableID, err := uuid.FromBytes(lookup.TableUUID[:])
	if err != nil {
		rec.RecordDrop(servemetrics.DropMalformed)
		return
	}
	tbl, ok := cfg.Namespace.Lookup(tableID)
	if !ok {
		rec.RecordDrop(servemetrics.DropUnknownTable)
		return
	}

	value, found := tbl.Lookup(fragment.Key(lookup.Key))

	respBB := bytebufferpool.Get()
	defer bytebufferpool.Put(respBB)
	growBuf(respBB, maxDatagramBuf)

	var respLen int
	if found {
		respLen, err = wire.EncodeFound(respBB.B, lookup.Correlation, lookup.TableUUID, keyBytes(lookup.Key, lookup.KeyLen), value)
	} else {
		respLen, err = wire.EncodeMissing(respBB.B, lookup.Correlation, lookup.TableUUID, keyBytes(lookup.Key, lookup.KeyLen))
	}
	if err != nil {
		rec.RecordDrop(servemetrics.DropMalformed)
		return
	}

	dst := replyAddr(lookup.Destination, from)
	if _, err := conn.WriteTo(respBB.B[:respLen], dst); err != nil {
		rec.RecordDrop(servemetrics.DropWriteFailed)
		return
	}

	if found {
		rec.RecordHit()
	} else {
		rec.RecordMiss()
	}
	rec.ObserveLatency(cfg.now().Sub(start).Seconds())
}

func keyBytes(k wire.Key, n int) []byte {
	buf := make([]byte, 64)
	for i := 0; i < 8; i++ {
		putUint64(buf[i*8:i*8+8], k[i])
	}
	return buf[:n]
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func sourceDestination(addr net.Addr) wire.Destination {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return wire.Destination{Kind: wire.DestSelf}
	}
	kind := wire.DestV4
	if udp.IP.To4() == nil {
		kind = wire.DestV6
	}
	return wire.Destination{Kind: kind, IP: udp.IP, Port: uint16(udp.Port)}
}

func replyAddr(dest wire.Destination, from net.Addr) net.Addr {
	if dest.Kind == wire.DestSelf {
		return from
	}
	return &net.UDPAddr{IP: dest.IP, Port: int(dest.Port)}
}
