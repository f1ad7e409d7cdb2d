package routing

// Statement 一条待执行的 SQL 语句
// Kind 为 Unclassified 时由会话根据 SQL 文本分类
type Statement struct {
	Query string
	Args  []interface{}
	Kind  Kind
}

// NewStatement creates a statement whose kind is derived from its text
// with the default classifier.
func NewStatement(query string, args ...interface{}) Statement {
	return Statement{Query: query, Args: args, Kind: Classify(query)}
}

// ReadStatement creates a statement that declares itself a read.
func ReadStatement(query string, args ...interface{}) Statement {
	return Statement{Query: query, Args: args, Kind: Read}
}

// WriteStatement creates a statement that declares itself a write.
func WriteStatement(query string, args ...interface{}) Statement {
	return Statement{Query: query, Args: args, Kind: Write}
}

// Resolve returns the statement's kind, classifying it with c when the
// statement did not declare one.
func (s Statement) Resolve(c *Classifier) Kind {
	if s.Kind != Unclassified {
		return s.Kind
	}
	if c == nil {
		return Classify(s.Query)
	}
	return c.Classify(s.Query)
}
