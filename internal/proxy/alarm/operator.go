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

package alarm

import (
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	proxyerr "metricproxy.io/metric-proxy-go/internal/types/err"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type OperatorKind int

const (
	Equal OperatorKind = iota
	Less
	More
)

func (k OperatorKind) String() string {

	switch k {
	case Equal:
		return "Equal"
	case Less:
		return "Less"
	case More:
		return "More"
	default:
		return "Unknown"
	}
}

func (k OperatorKind) symbol() string {

	switch k {
	case Equal:
		return "="
	case Less:
		return "<"
	default:
		return ">"
	}
}

// Operator compares the current metric value with a threshold. It encodes
// as a single key object such as {"More":10}.
type Operator struct {
	Kind      OperatorKind
	Threshold float64
}

// ParseOperator maps "=", "<" and ">" to an operator.
func ParseOperator(op string, threshold float64) (Operator, error) {

	switch op {
	case "=":
		return Operator{Kind: Equal, Threshold: threshold}, nil
	case "<":
		return Operator{Kind: Less, Threshold: threshold}, nil
	case ">":
		return Operator{Kind: More, Threshold: threshold}, nil
	default:
		return Operator{}, fmt.Errorf("no operator %q, only = < and >: %w", op, proxyerr.MalformedInput)
	}
}

// Apply reports whether v trips the alarm. Equal is an exact comparison.
func (o Operator) Apply(v float64) bool {

	switch o.Kind {
	case Equal:
		return v == o.Threshold
	case Less:
		return v < o.Threshold
	case More:
		return v > o.Threshold
	default:
		return false
	}
}

func (o Operator) String() string {
	return o.Kind.symbol() + " " + strconv.FormatFloat(o.Threshold, 'g', -1, 64)
}

func (o Operator) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]float64{o.Kind.String(): o.Threshold})
}

func (o *Operator) UnmarshalJSON(data []byte) error {

	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("operator must have exactly one variant: %w", proxyerr.MalformedInput)
	}
	for k, v := range m {
		switch k {
		case "Equal":
			o.Kind = Equal
		case "Less":
			o.Kind = Less
		case "More":
			o.Kind = More
		default:
			return fmt.Errorf("unknown operator %q: %w", k, proxyerr.MalformedInput)
		}
		o.Threshold = v
	}
	return nil
}
