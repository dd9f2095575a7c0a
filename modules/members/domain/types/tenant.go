package types

// Tenant is an organization with remote CRM access configured.
type Tenant struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url"`
	APIKey    string `json:"-" yaml:"api_key"`
	APISecret string `json:"-" yaml:"api_secret"`
	// SecretRef names an external secret holding the api key/secret pair.
	SecretRef string `json:"secret_ref,omitempty" yaml:"secret_ref"`
}

func (t Tenant) HasCredentials() bool {
	return t.APIKey != "" && t.APISecret != ""
}
