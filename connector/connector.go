package connector

// Connection is the byte-transport contract of spec §4.A: write, read,
// close, peer address. Every stage of the pipeline (telnet codec,
// character editor) both consumes and implements Connection, so stages
// chain by wrapping one another.
type Connection interface {
	Id() string
	FromConn() chan Message // messages flowing up, towards the application
	ToConn() chan Message   // messages flowing down, towards the wire
	RemoteAddr() string
	Close() error
}

// Listener accepts Connections and announces them on Notify as
// NewConnectionMessage values.
type Listener interface {
	Id() string
	Notify() chan Message
	Close() error
}
