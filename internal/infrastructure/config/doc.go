// Package config handles loading and validating Chat Gate configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (client secrets, InfluxDB tokens) should be set via
//     environment variables, never committed to the config file
//   - The config file should have restricted permissions (0600)
//   - Role mappings are validated at startup: a group mapped to a role that is
//     not in the allow-list is a hard configuration error, never a silent grant
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.IdP.TenantID)
package config
