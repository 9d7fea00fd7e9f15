package tchannel

import (
	"encoding/hex"
	"os"
	"strings"
)

// debugDumpName is the entry this package looks for in the TCHANNEL_DEBUG
// name list (spec.md §6 "process-visible debug switch").
const debugDumpName = "tchannel_dump"

// debugEnabled reports whether TCHANNEL_DEBUG's comma-separated name list
// (the Go-idiomatic analogue of the Node `debug` module's name list spec.md
// §6 describes) contains "tchannel_dump". This never touches the wire
// itself, so it's left on the standard library (os.Getenv, strings) rather
// than reaching for a dependency -- see DESIGN.md.
func debugEnabled() bool {
	for _, name := range strings.Split(os.Getenv("TCHANNEL_DEBUG"), ",") {
		if strings.TrimSpace(name) == debugDumpName {
			return true
		}
	}
	return false
}

// debugDumpFrame tees a frame's header and payload to log at Debugf level,
// prefixed ">>> remoteAddr " for frames this connection is writing to the
// wire and "<<< remoteAddr " for frames it has just read (spec.md §6).
func debugDumpFrame(log Logger, outbound bool, remoteAddr string, f *Frame) {
	if !debugEnabled() {
		return
	}
	arrow := "<<<"
	if outbound {
		arrow = ">>>"
	}
	log.Debugf("%s %s frame type=%s id=%d size=%d\n%s", arrow, remoteAddr, f.Type, f.ID, f.Size, hex.Dump(f.SizedPayload()))
}
