package capabilities

// MethodClass partitions primary-data-source methods the way the
// executor's capability envelope enforces them: safe methods may be
// called directly (subject to the filter/row-cap rules), dangerous
// methods are statically refused regardless of caller.
type MethodClass int

const (
	MethodUnknown MethodClass = iota
	MethodSafe
	MethodDangerous
)

// methodTable enumerates the primary data source's RPC surface. Anything
// not listed is treated as MethodUnknown, which the executor refuses the
// same as MethodDangerous -- unlisted methods are never assumed safe.
var methodTable = map[string]MethodClass{
	"invoice.list":     MethodSafe,
	"invoice.get":      MethodSafe,
	"invoice.create":   MethodSafe,
	"invoice.update":   MethodSafe,
	"company.list":     MethodSafe,
	"company.get":      MethodSafe,
	"contact.list":     MethodSafe,
	"contact.get":      MethodSafe,
	"deal.list":        MethodSafe,
	"deal.get":         MethodSafe,
	"deal.update":      MethodSafe,
	"product.list":     MethodSafe,
	"product.get":      MethodSafe,

	"user.admin":        MethodDangerous,
	"user.delete":       MethodDangerous,
	"event.bind":        MethodDangerous,
	"event.unbind":      MethodDangerous,
	"workflow.start":    MethodDangerous,
	"workflow.terminate": MethodDangerous,
	"admin.config":      MethodDangerous,
}

// ClassifyMethod reports the declared class of a data source method name.
func ClassifyMethod(method string) MethodClass {
	if c, ok := methodTable[method]; ok {
		return c
	}
	return MethodUnknown
}

// IsListMethod reports whether method follows the "<entity>.list" naming
// convention these methods use, meaning it is subject to the filter-required
// and row-cap rules.
func IsListMethod(method string) bool {
	for i := len(method) - 1; i >= 0; i-- {
		if method[i] == '.' {
			return method[i+1:] == "list"
		}
	}
	return false
}
