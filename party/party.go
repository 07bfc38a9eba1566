// Package party defines the opaque identity handle the messaging
// transport and session protocol address. Resolution of a Party to
// concrete transport endpoints is the network-map directory's job
// (package directory); this package only names the handle.
package party

// Party is an opaque identity, addressable by the messaging transport and
// resolved through the external network-map directory. Its string form is
// whatever the directory uses as a stable key (e.g. a distinguished name);
// the framework never interprets it further.
type Party string

// Endpoint is one concrete, transport-addressable location backing a
// Party. A Party may be backed by more than one Endpoint when multiple
// nodes advertise the same logical identity (e.g. a replicated notary).
type Endpoint string
