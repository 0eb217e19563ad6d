// Package acl implements the IP access-control list described in spec.md
// §4.3: exact-match entries in hash buckets, CIDR entries in a linear scan
// list, fail-open on unparseable addresses.
package acl

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/nabbar/txrelay/internal/errcode"
)

func init() {
	errcode.Register(errcode.MinACL, message)
}

func message(c errcode.Code) string {
	switch c {
	case errOpenFile:
		return "cannot open acl file"
	case errBadLine:
		return "malformed acl entry"
	}
	return ""
}

const (
	errOpenFile errcode.Code = errcode.MinACL + iota
	errBadLine
)

// Verdict is the result of checking an address against a pair of lists.
type Verdict int

const (
	Neutral Verdict = iota
	Block
	Allow
)

const buckets = 257

type entry struct {
	addr [16]byte
	next *entry
}

type cidrEntry struct {
	addr   [16]byte
	prefix int // 0..128, relative to the 16-byte mapped space
}

// List holds the exact-match hash table and the CIDR linear scan list for
// one side (block or allow) of the ACL.
type List struct {
	exact [buckets]*entry
	cidrs []cidrEntry
}

// New returns an empty List.
func New() *List {
	return &List{}
}

// LoadFile parses one entry per line: `#` comments, blank lines ignored,
// either a bare address (exact, prefix 128) or `address/prefix`.
func LoadFile(path string) (*List, *errcode.Error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errOpenFile.New(err)
	}
	defer f.Close()

	l := New()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if e := l.addLine(line); e != nil {
			return nil, e
		}
	}
	return l, nil
}

func (l *List) addLine(line string) *errcode.Error {
	addrPart := line
	prefix := 128
	isIPv4 := false

	if idx := strings.IndexByte(line, '/'); idx >= 0 {
		addrPart = line[:idx]
		n, err := strconv.Atoi(line[idx+1:])
		if err != nil {
			return errBadLine.New(err)
		}
		prefix = n
	}

	ip := net.ParseIP(addrPart)
	if ip == nil {
		return errBadLine.Newf("invalid address %q", addrPart)
	}
	if v4 := ip.To4(); v4 != nil {
		isIPv4 = true
		ip = v4
	}

	mapped := toMapped(ip, isIPv4)
	effectivePrefix := prefix
	if isIPv4 && strings.Contains(line, "/") {
		effectivePrefix = 96 + prefix
	} else if isIPv4 {
		effectivePrefix = 128
	}

	if effectivePrefix >= 128 {
		l.addExact(mapped)
	} else {
		l.cidrs = append(l.cidrs, cidrEntry{addr: mapped, prefix: effectivePrefix})
	}
	return nil
}

func toMapped(ip net.IP, isIPv4 bool) [16]byte {
	var out [16]byte
	if isIPv4 {
		mapped := ip.To16() // encodes IPv4-mapped form automatically via net.IP
		if m4 := ip.To4(); m4 != nil {
			copy(out[:], net.IPv4(m4[0], m4[1], m4[2], m4[3]).To16())
			return out
		}
		copy(out[:], mapped)
		return out
	}
	copy(out[:], ip.To16())
	return out
}

func (l *List) addExact(addr [16]byte) {
	b := hashAddr(addr) % buckets
	l.exact[b] = &entry{addr: addr, next: l.exact[b]}
}

func hashAddr(addr [16]byte) uint32 {
	var h uint32 = 2166136261
	for _, b := range addr {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// Contains reports whether ip matches any entry (exact first, then CIDR
// linear scan).
func (l *List) Contains(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	isIPv4 := addr.To4() != nil
	mapped := toMapped(addr, isIPv4)

	b := hashAddr(mapped) % buckets
	for e := l.exact[b]; e != nil; e = e.next {
		if e.addr == mapped {
			return true
		}
	}

	for _, c := range l.cidrs {
		if cidrMatch(mapped, c.addr, c.prefix) {
			return true
		}
	}
	return false
}

// cidrMatch compares p/8 whole bytes and the top p%8 bits of the next byte,
// per spec.md §4.3.
func cidrMatch(addr, net16 [16]byte, p int) bool {
	if p < 0 {
		p = 0
	}
	if p > 128 {
		p = 128
	}
	fullBytes := p / 8
	remBits := p % 8

	for i := 0; i < fullBytes; i++ {
		if addr[i] != net16[i] {
			return false
		}
	}
	if remBits == 0 {
		return true
	}
	mask := byte(0xFF << (8 - remBits))
	return addr[fullBytes]&mask == net16[fullBytes]&mask
}

// Check classifies ip against a block and allow list: BLOCK takes priority,
// then ALLOW, else NEUTRAL. Fails open (NEUTRAL) on unparseable addresses.
func Check(block, allow *List, ip string) Verdict {
	if net.ParseIP(ip) == nil {
		return Neutral
	}
	if block != nil && block.Contains(ip) {
		return Block
	}
	if allow != nil && allow.Contains(ip) {
		return Allow
	}
	return Neutral
}
