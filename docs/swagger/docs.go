// Package swagger registers the OpenAPI document served at /swagger/doc.json.
// Regenerate with: swag init -g cmd/api/main.go -o docs/swagger
package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/files": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Stores a file on the selected backend. Byte-identical content that is already stored is not written again; the existing file is returned with duplicate=true.",
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["files"],
                "summary": "Upload a file",
                "parameters": [
                    {"type": "file", "description": "File content", "name": "file", "in": "formData", "required": true},
                    {"enum": ["Backup", "Public"], "type": "string", "description": "Target backend", "name": "storageType", "in": "formData", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/file.UploadResponse"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/file.UploadResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/response.Envelope"}}
                }
            }
        },
        "/files/mine": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["files"],
                "summary": "List my files",
                "parameters": [
                    {"type": "integer", "default": 1, "description": "Page, from 1", "name": "page", "in": "query"},
                    {"type": "integer", "default": 20, "description": "Page size, at most 100", "name": "pageSize", "in": "query"},
                    {"enum": ["name", "size", "uploadTime"], "type": "string", "description": "Sort field", "name": "sortBy", "in": "query"},
                    {"type": "boolean", "default": true, "description": "Descending order", "name": "sortDesc", "in": "query"},
                    {"type": "boolean", "default": false, "description": "Include deleted files", "name": "includeDeleted", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/file.PageResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/response.Envelope"}}
                }
            }
        },
        "/files/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["files"],
                "summary": "Get file info",
                "parameters": [
                    {"type": "string", "description": "File ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/file.FileResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/response.Envelope"}}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "description": "Removes the stored copies and marks the file deleted. The file is deleted even if a copy could not be removed; remoteDeleted and backupDeleted report what happened to each copy.",
                "produces": ["application/json"],
                "tags": ["files"],
                "summary": "Delete a file",
                "parameters": [
                    {"type": "string", "description": "File ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/file.DeleteResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/response.Envelope"}}
                }
            }
        },
        "/files/{id}/content": {
            "get": {
                "description": "Streams the file body. Range requests are honored.",
                "produces": ["application/octet-stream"],
                "tags": ["files"],
                "summary": "Download file content",
                "parameters": [
                    {"type": "string", "description": "File ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "206": {"description": "Partial Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/response.Envelope"}}
                }
            }
        },
        "/files/{id}/restore": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["files"],
                "summary": "Restore a deleted file",
                "parameters": [
                    {"type": "string", "description": "File ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/file.RestoreResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/response.Envelope"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/response.Envelope"}}
                }
            }
        }
    },
    "definitions": {
        "file.FileResponse": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "originalName": {"type": "string"},
                "sizeBytes": {"type": "integer"},
                "sha256": {"type": "string"},
                "category": {"type": "string", "enum": ["Audio", "Subtitle", "Image", "Other"]},
                "mimeType": {"type": "string"},
                "ownerId": {"type": "string"},
                "backupUrl": {"type": "string"},
                "remoteUrl": {"type": "string"},
                "downloadUrl": {"type": "string"},
                "uploadedAt": {"type": "string"},
                "isDeleted": {"type": "boolean"}
            }
        },
        "file.UploadResponse": {
            "type": "object",
            "properties": {
                "file": {"$ref": "#/definitions/file.FileResponse"},
                "duplicate": {"type": "boolean"}
            }
        },
        "file.PageResponse": {
            "type": "object",
            "properties": {
                "files": {"type": "array", "items": {"$ref": "#/definitions/file.FileResponse"}},
                "totalCount": {"type": "integer"},
                "page": {"type": "integer"},
                "pageSize": {"type": "integer"},
                "totalPages": {"type": "integer"},
                "hasNextPage": {"type": "boolean"},
                "hasPreviousPage": {"type": "boolean"}
            }
        },
        "file.DeleteResponse": {
            "type": "object",
            "properties": {
                "fileId": {"type": "string"},
                "originalName": {"type": "string"},
                "sizeBytes": {"type": "integer"},
                "success": {"type": "boolean"},
                "remoteDeleted": {"type": "boolean"},
                "backupDeleted": {"type": "boolean"},
                "deletedAt": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "file.RestoreResponse": {
            "type": "object",
            "properties": {
                "file": {"$ref": "#/definitions/file.FileResponse"},
                "restored": {"type": "boolean"},
                "backupExists": {"type": "boolean"},
                "remoteExists": {"type": "boolean"}
            }
        },
        "response.Envelope": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "data": {},
                "message": {"type": "string"},
                "error": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "JWT Bearer token. Format: **Bearer {token}**",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "File Service API",
	Description:      "Content-addressed file storage with deduplication across local and S3 backends.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
