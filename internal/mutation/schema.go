package mutation

// actionsSchemaJSON is the shape an action batch must have before it is
// decoded. Node ids follow the blueprint schema pattern; anything containing
// "/" or ":" is caught later as a foreign reference.
const actionsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "actions.json",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["type"],
    "oneOf": [
      {
        "properties": {
          "type": {"const": "ADD_NODE"},
          "node": {
            "type": "object",
            "required": ["type"],
            "properties": {
              "id": {"type": "string"},
              "type": {"enum": ["trigger", "brain", "tool", "logic", "wait"]},
              "label": {"type": "string"},
              "position": {
                "type": "object",
                "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
              },
              "data": {"type": "object"}
            },
            "additionalProperties": false
          }
        },
        "required": ["node"],
        "additionalProperties": false
      },
      {
        "properties": {
          "type": {"const": "CONNECT"},
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "condition": {"enum": ["", "true", "false"]}
        },
        "required": ["from", "to"],
        "additionalProperties": false
      },
      {
        "properties": {
          "type": {"const": "INSTALL_TOOL"},
          "tool": {"type": "string", "minLength": 1}
        },
        "required": ["tool"],
        "additionalProperties": false
      }
    ]
  }
}`
