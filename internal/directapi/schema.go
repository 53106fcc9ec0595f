package directapi

import "github.com/xeipuuv/gojsonschema"

// encodeRequestSchema validates a POST /encode body: an input reference
// is required, either as a content id or a plain URI, exactly per
// spec.md §4.6.
const encodeRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "inputCid": {"type": "string"},
    "inputUri": {"type": "string"},
    "profilesRequested": {"type": "array", "items": {"type": "string"}},
    "short": {"type": "boolean"},
    "webhookUrl": {"type": "string"},
    "owner": {"type": "string"},
    "permlink": {"type": "string"},
    "app": {"type": "string"}
  },
  "anyOf": [
    {"required": ["inputCid"]},
    {"required": ["inputUri"]}
  ]
}`

var encodeSchemaCompiled = compileSchema(encodeRequestSchema)

func compileSchema(text string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
	if err != nil {
		panic(err)
	}
	return schema
}
