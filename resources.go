package mcp

// Resource describes a readable, named datum a server exposes.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Size        *int64 `json:"size,omitempty"`
	Meta        Meta   `json:"_meta,omitempty"`
}

// ResourceTemplate describes a URI template for dynamically addressed resources.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Meta        Meta   `json:"_meta,omitempty"`
}

// ListResourcesParams are the parameters of a resources/list request.
type ListResourcesParams struct {
	CursorParams
}

// ListResourcesResult is the result of a resources/list request.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListResourceTemplatesParams are the parameters of a resources/templates/list request.
type ListResourceTemplatesParams struct {
	CursorParams
}

// ListResourceTemplatesResult is the result of a resources/templates/list request.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

// ReadResourceParams are the parameters of a resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one item of a resources/read result: either text or
// base64-encoded binary data, never both.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is the result of a resources/read request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// SubscribeParams are the parameters of resources/subscribe and resources/unsubscribe.
type SubscribeParams struct {
	URI string `json:"uri"`
}

// ResourcesUpdatedParams are the parameters of notifications/resources/updated.
type ResourcesUpdatedParams struct {
	URI string `json:"uri"`
}
