package stats

import (
	"strconv"

	"github.com/tidwall/gjson"
)

// walk visits every leaf of a parsed JSON document in document order.
// Object members extend the path as "parent.field" and array elements as
// "parent[i]". A scalar document has no path and is not visited.
func walk(doc gjson.Result, visit func(path string, v gjson.Result)) {
	if !doc.IsObject() && !doc.IsArray() {
		return
	}
	walkValue("", doc, visit)
}

func walkValue(path string, v gjson.Result, visit func(string, gjson.Result)) {
	switch {
	case v.IsObject():
		v.ForEach(func(key, val gjson.Result) bool {
			child := key.Str
			if path != "" {
				child = path + "." + key.Str
			}
			walkValue(child, val, visit)
			return true
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, val gjson.Result) bool {
			walkValue(path+"["+strconv.Itoa(i)+"]", val, visit)
			i++
			return true
		})
	default:
		visit(path, v)
	}
}
