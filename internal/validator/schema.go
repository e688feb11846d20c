package validator

// Node ids may not contain dots, slashes or colons: dots separate template
// paths, and the other two would address storage outside the blueprint.
const blueprintSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "blueprint.json",
  "title": "Agent Blueprint",
  "type": "object",
  "required": ["name", "nodes", "edges"],
  "properties": {
    "id": {"type": "string"},
    "agent_id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "version": {
      "type": "string",
      "pattern": "^$|^v?[0-9]+\\.[0-9]+\\.[0-9]+(-[0-9A-Za-z.-]+)?$"
    },
    "description": {"type": "string"},
    "status": {"enum": ["draft", "published"]},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$"},
          "type": {"enum": ["trigger", "brain", "tool", "logic", "wait"]},
          "label": {"type": "string"},
          "position": {
            "type": "object",
            "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
          },
          "data": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "id": {"type": "string"},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "condition": {"enum": ["", "true", "false"]}
        }
      }
    },
    "settings": {
      "type": "object",
      "properties": {
        "model": {"type": "string"},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "memory_type": {"type": "string"},
        "context_window": {"type": "integer", "minimum": 0}
      }
    },
    "resilience": {
      "type": "object",
      "properties": {
        "retries": {"type": "integer", "minimum": 0, "maximum": 20},
        "human_approval": {"type": "boolean"}
      }
    },
    "tools": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  }
}`
