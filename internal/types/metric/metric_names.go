// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package metric

import (
	"fmt"
	"sort"
	"strings"
)

// Label is one name="value" pair of a metric name suffix.
type Label struct {
	Name  string
	Value string
}

// BaseName strips the label suffix from a metric name.
func BaseName(name string) string {
	if i := strings.IndexByte(name, '{'); i >= 0 {
		return name[:i]
	}
	return name
}

// FormatName renders base{k="v",...} with labels sorted by name.
func FormatName(base string, labels []Label) string {

	if len(labels) == 0 {
		return base
	}

	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	for i, l := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Name)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(l.Value))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// SplitName parses a metric name with an optional label suffix.
func SplitName(name string) (string, []Label, error) {

	open := strings.IndexByte(name, '{')
	if open < 0 {
		if strings.IndexByte(name, '}') >= 0 {
			return "", nil, fmt.Errorf("metric name %q has unmatched brackets", name)
		}
		return name, nil, nil
	}
	if !strings.HasSuffix(name, "}") {
		return "", nil, fmt.Errorf("metric name %q has unmatched brackets", name)
	}

	base := name[:open]
	body := name[open+1 : len(name)-1]
	var labels []Label

	for len(body) > 0 {
		eq := strings.IndexByte(body, '=')
		if eq <= 0 {
			return "", nil, fmt.Errorf("metric name %q: label without value", name)
		}
		key := strings.TrimSpace(body[:eq])
		rest := strings.TrimLeft(body[eq+1:], " ")
		if !strings.HasPrefix(rest, `"`) {
			return "", nil, fmt.Errorf("metric name %q: label %s is not quoted", name, key)
		}

		var val strings.Builder
		i := 1
		closed := false
		for ; i < len(rest); i++ {
			c := rest[i]
			if c == '\\' && i+1 < len(rest) {
				i++
				switch rest[i] {
				case 'n':
					val.WriteByte('\n')
				default:
					val.WriteByte(rest[i])
				}
				continue
			}
			if c == '"' {
				closed = true
				break
			}
			val.WriteByte(c)
		}
		if !closed {
			return "", nil, fmt.Errorf("metric name %q: unterminated label value", name)
		}
		labels = append(labels, Label{Name: key, Value: val.String()})

		body = strings.TrimLeft(rest[i+1:], " ")
		body = strings.TrimPrefix(body, ",")
		body = strings.TrimLeft(body, " ")
	}

	return base, labels, nil
}

func escapeLabelValue(v string) string {

	if !strings.ContainsAny(v, "\\\"\n") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return r.Replace(v)
}
