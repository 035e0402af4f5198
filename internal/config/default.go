package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// WriteDefault generates a commented starter configuration at path.
// It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}

	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.AppendUnstructuredTokens(hclwrite.Tokens{
		{Type: hclsyntax.TokenComment, Bytes: []byte("# Palisade application firewall configuration.\n\n")},
	})

	body.SetAttributeValue("db_path", cty.StringVal(DefaultDBPath))
	body.SetAttributeValue("socket_path", cty.StringVal(DefaultSocketPath))
	body.SetAttributeValue("log_level", cty.StringVal("info"))
	body.SetAttributeValue("purge_on_start", cty.BoolVal(false))
	body.AppendNewline()

	driver := body.AppendNewBlock("driver", nil).Body()
	driver.SetAttributeValue("mode", cty.StringVal("device"))
	body.AppendNewline()

	options := body.AppendNewBlock("options", nil).Body()
	options.SetAttributeValue("filter_enabled", cty.BoolVal(true))
	options.SetAttributeValue("stop_traffic", cty.BoolVal(false))
	options.SetAttributeValue("stop_inet_traffic", cty.BoolVal(false))
	options.SetAttributeValue("log_stat", cty.BoolVal(true))
	body.AppendNewline()

	group := body.AppendNewBlock("group", []string{"Main"}).Body()
	group.SetAttributeValue("enabled", cty.BoolVal(true))

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, f.Bytes(), 0640); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
