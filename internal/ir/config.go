package ir

// Config is the desired set of resources for one deployment.
type Config struct {
	Resources []*Resource    `json:"resources"`
	Outputs   map[string]any `json:"outputs,omitempty"`
}

// Find returns the resource with the given address, or nil.
func (c *Config) Find(addr string) *Resource {
	for _, res := range c.Resources {
		if res.Address() == addr {
			return res
		}
	}
	return nil
}
