package api

import "net/http"

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildOpenAPIDoc())
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering the operator
// surface.
func (s *Server) buildOpenAPIDoc() map[string]any {
	version := s.runtime.Version
	if version == "" {
		version = "1.0"
	}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": readOperation("getHealthz", "Liveness and queue depth snapshot"),
		},
		"/status": map[string]any{
			"get": readOperation("getStatus", "Daemon configuration and queue counts"),
		},
		"/jobs": map[string]any{
			"get": listJobsOperation(),
		},
		"/jobs/{jobID}": map[string]any{
			"get":        jobDetailOperation(),
			"parameters": jobIDParameter(),
		},
		"/jobs/{jobID}/approve": map[string]any{
			"post": decisionOperation("approveJob", "Approve a held job",
				map[string]any{
					"approver": map[string]any{"type": "string"},
					"hold":     map[string]any{"type": "boolean"},
				},
				[]string{"approver"}),
			"parameters": jobIDParameter(),
		},
		"/jobs/{jobID}/reject": map[string]any{
			"post": decisionOperation("rejectJob", "Reject a held job",
				map[string]any{
					"approver": map[string]any{"type": "string"},
					"reason":   map[string]any{"type": "string"},
				},
				[]string{"approver", "reason"}),
			"parameters": jobIDParameter(),
		},
		"/jobs/{jobID}/release": map[string]any{
			"post": decisionOperation("releaseJob", "Queue an approved job",
				map[string]any{
					"operator": map[string]any{"type": "string"},
				},
				[]string{"operator"}),
			"parameters": jobIDParameter(),
		},
		"/events": map[string]any{
			"get": map[string]any{
				"operationId": "streamEvents",
				"summary":     "Server-sent job lifecycle events",
				"responses": map[string]any{
					"200": map[string]any{"description": "text/event-stream; Last-Event-ID resumes from the buffer"},
				},
			},
		},
		"/nudge": map[string]any{
			"post": map[string]any{
				"operationId": "nudgeWatcher",
				"summary":     "Wake the watcher for an immediate claim pass",
				"description": "The request body must be signed with HMAC-SHA256 in the " + signatureHeader + " header.",
				"responses": map[string]any{
					"202": map[string]any{"description": "Watcher woken"},
					"401": map[string]any{"description": "Signature verification failed"},
					"404": map[string]any{"description": "Endpoint disabled"},
				},
			},
		},
	}

	if s.Metrics != nil {
		paths["/metrics"] = map[string]any{
			"get": readOperation("getMetrics", "Prometheus metrics"),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Groundwork Operator API",
			"version": version,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func readOperation(id, summary string) map[string]any {
	return map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses": map[string]any{
			"200": map[string]any{"description": "OK"},
		},
	}
}

func listJobsOperation() map[string]any {
	return map[string]any{
		"operationId": "listJobs",
		"summary":     "List jobs, optionally filtered by status",
		"parameters": []any{
			map[string]any{
				"name":     "status",
				"in":       "query",
				"required": false,
				"schema": map[string]any{
					"type": "string",
					"enum": statusNames(),
				},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{"description": "OK"},
			"400": map[string]any{"description": "Unknown status"},
		},
	}
}

func jobDetailOperation() map[string]any {
	return map[string]any{
		"operationId": "getJob",
		"summary":     "Job detail with transition history",
		"responses": map[string]any{
			"200": map[string]any{"description": "OK"},
			"404": map[string]any{"description": "Job not found"},
		},
	}
}

// decisionOperation describes one of the bearer-authenticated gate
// endpoints.
func decisionOperation(id, summary string, props map[string]any, required []string) map[string]any {
	return map[string]any{
		"operationId": id,
		"summary":     summary,
		"security":    []any{map[string]any{"BearerAuth": []string{}}},
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type":       "object",
						"properties": props,
						"required":   required,
					},
				},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{"description": "Decision recorded"},
			"400": map[string]any{"description": "Bad request"},
			"401": map[string]any{"description": "Unauthorized"},
			"404": map[string]any{"description": "Job not found"},
			"409": map[string]any{"description": "Job is not in a state that permits the decision"},
		},
	}
}

func jobIDParameter() []any {
	return []any{
		map[string]any{
			"name":     "jobID",
			"in":       "path",
			"required": true,
			"schema":   map[string]any{"type": "string"},
		},
	}
}

func statusNames() []string {
	names := make([]string, 0, len(statusOrder))
	for _, status := range statusOrder {
		names = append(names, string(status))
	}
	return names
}
