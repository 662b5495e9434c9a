package conntrack

// Golden conntrack -L output fixtures, literal text as conntrack(8) would
// actually emit it, used to drive Resolve end to end against a stub
// binary instead of hand-built parsedLine values.

// goldenMatchFound is a single masqueraded connection: a LAN client on
// 192.168.1.5, port 51234, reached a server at 203.0.113.9, port 80,
// through the router at 192.0.2.1, which masqueraded it as port 40000; a
// NAT-side ident query for the port pair 40000,80 resolves to it.
const goldenMatchFound = `tcp      6 431999 ESTABLISHED src=192.168.1.5 dst=203.0.113.9 sport=51234 dport=80 src=203.0.113.9 dst=192.0.2.1 sport=80 dport=40000 [ASSURED] mark=0 use=1
`

// goldenNoMatch lists one tracked connection whose reply port pair does
// not correspond to the query being resolved.
const goldenNoMatch = `tcp      6 431999 ESTABLISHED src=192.168.1.5 dst=203.0.113.9 sport=55555 dport=443 src=203.0.113.9 dst=192.0.2.1 sport=443 dport=51111 [ASSURED] mark=0 use=1
`

// goldenSelfLoop describes a connection where the LAN-side client and
// the NAT-side source address are identical; conntrack.c rejects this to
// avoid forwarding a query back to the router itself.
const goldenSelfLoop = `tcp      6 431999 ESTABLISHED src=192.0.2.1 dst=203.0.113.9 sport=51234 dport=80 src=203.0.113.9 dst=192.0.2.1 sport=80 dport=40000 [ASSURED] mark=0 use=1
`

// goldenEmpty is conntrack -L's output when no connections are tracked
// at all (not even an unrelated one).
const goldenEmpty = ``
