// Package routing decides which engine of a writer/reader pair serves a
// statement. The decision is a pure function of the statement kind and
// whether the issuing session is currently flushing buffered writes.
package routing

// Target 语句的目标引擎
type Target int

const (
	Writer Target = iota
	Reader
)

// String 返回引擎名
func (t Target) String() string {
	switch t {
	case Writer:
		return "writer"
	case Reader:
		return "reader"
	default:
		return "unknown"
	}
}

// Kind 语句的读写分类
type Kind int

const (
	// Unclassified is the zero value; sessions classify such statements
	// from their text before routing.
	Unclassified Kind = iota
	Read
	Write
)

// String 返回分类名
func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unclassified"
	}
}

// Route maps a statement kind and the flushing flag to an engine.
// Writes and anything issued while flushing go to the writer; reads go to
// the reader. An unclassified kind is treated as a write.
func Route(kind Kind, flushing bool) Target {
	if flushing || kind != Read {
		return Writer
	}
	return Reader
}
