// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package appdata

import (
	"encoding/json"
	"strings"
)

// CollectTerms extracts the searchable strings of a project document,
// lowercased: the top-level info block, the info blocks of every folder,
// request and environment under definitions, request target urls and
// headers, and environment server uris and variable names.
func CollectTerms(data json.RawMessage) []string {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	var terms []string
	add := func(v interface{}) {
		if s, ok := v.(string); ok && s != "" {
			terms = append(terms, strings.ToLower(s))
		}
	}

	collectInfo := func(node map[string]interface{}) {
		info, ok := node["info"].(map[string]interface{})
		if !ok {
			return
		}
		add(info["name"])
		add(info["displayName"])
		add(info["description"])
	}

	collectInfo(doc)
	defs, _ := doc["definitions"].(map[string]interface{})
	for _, family := range []string{"folders", "requests", "environments"} {
		items, _ := defs[family].([]interface{})
		for _, raw := range items {
			node, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			collectInfo(node)
			switch family {
			case "requests":
				if expects, ok := node["expects"].(map[string]interface{}); ok {
					add(expects["url"])
					add(expects["headers"])
				}
			case "environments":
				if server, ok := node["server"].(map[string]interface{}); ok {
					add(server["uri"])
				}
				vars, _ := node["variables"].([]interface{})
				for _, v := range vars {
					if variable, ok := v.(map[string]interface{}); ok {
						add(variable["name"])
					}
				}
			}
		}
	}
	return terms
}
