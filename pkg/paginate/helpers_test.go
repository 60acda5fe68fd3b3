package paginate

import "github.com/ajitpratap0/nebula-connectors/pkg/json"

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
