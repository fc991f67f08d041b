package vlmgate

type Engine interface {
	// Process executes the request and returns the response, optionally a stream channel if the response is a event stream.
	// Whether a stream is returned is decided by the engine based on the request.
	Process(req *Request) (*Response, error)
}

// EngineFunc adapts a plain function to Engine.
type EngineFunc func(req *Request) (*Response, error)

func (f EngineFunc) Process(req *Request) (*Response, error) {
	return f(req)
}
