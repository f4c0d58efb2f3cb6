package val

import "strconv"

// Path is a dot-separated field path into a value, already split into
// parts by the (out of scope) parser. A numeric part indexes arrays.
type Path []string

func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	var parts Path
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func (p Path) String() string {
	out := ""
	for i, part := range p {
		if i > 0 {
			out += "."
		}
		out += part
	}
	return out
}

// Pick walks v along path. A missing field or a path into a scalar
// yields NONE, never an error. A path part applied to an array without
// an index maps over the elements.
func Pick(v Value, path Path) Value {
	if len(path) == 0 {
		if v == nil {
			return None
		}
		return v
	}
	part, rest := path[0], path[1:]
	switch v := v.(type) {
	case Object:
		el, found := v[part]
		if !found {
			return None
		}
		return Pick(el, rest)
	case Array:
		if i, err := strconv.Atoi(part); err == nil {
			if i < 0 || i >= len(v) {
				return None
			}
			return Pick(v[i], rest)
		}
		out := make(Array, len(v))
		for i, el := range v {
			out[i] = Pick(el, path)
		}
		return out
	default:
		return None
	}
}

// Put sets path in v to nv, creating intermediate objects as needed,
// and returns the updated value. Setting NONE removes the field.
func Put(v Value, path Path, nv Value) Value {
	if len(path) == 0 {
		return nv
	}
	part, rest := path[0], path[1:]
	switch v := v.(type) {
	case Object:
		out := make(Object, len(v)+1)
		for k, el := range v {
			out[k] = el
		}
		child := Put(out[part], rest, nv)
		if IsNone(child) && len(rest) == 0 {
			delete(out, part)
		} else {
			out[part] = child
		}
		return out
	case Array:
		if i, err := strconv.Atoi(part); err == nil && i >= 0 && i < len(v) {
			out := make(Array, len(v))
			copy(out, v)
			out[i] = Put(out[i], rest, nv)
			return out
		}
		return v
	default:
		if IsNone(nv) {
			return v
		}
		return Put(Object{}, path, nv)
	}
}
