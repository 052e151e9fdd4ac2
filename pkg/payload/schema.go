package payload

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

const campaignKey = `"source_campaign_key": {"not": {"type": "null"}}`

var argSchemas = map[actionlog.Kind]string{
	actionlog.KindSetCampaignState: `{
		"type": "object",
		"required": ["source_campaign_key", "state"],
		"properties": {
			` + campaignKey + `,
			"state": {"enum": ["ACTIVE", "INACTIVE"]}
		},
		"additionalProperties": false
	}`,
	actionlog.KindSetProperty: `{
		"type": "object",
		"required": ["source_campaign_key", "property", "value"],
		"properties": {
			` + campaignKey + `,
			"property": {"enum": ["cpc_cc", "daily_budget_cc", "state"]},
			"value": {"type": ["string", "number"]}
		},
		"additionalProperties": false
	}`,
	actionlog.KindGetCampaignStatus: `{
		"type": "object",
		"required": ["source_campaign_key"],
		"properties": {
			` + campaignKey + `
		},
		"additionalProperties": false
	}`,
	actionlog.KindGetContentAdStatus: `{
		"type": "object",
		"required": ["source_campaign_key"],
		"properties": {
			` + campaignKey + `,
			"content_ad_ids": {"type": "array", "items": {"type": "integer"}}
		},
		"additionalProperties": false
	}`,
	actionlog.KindGetReports: `{
		"type": "object",
		"required": ["source_campaign_key", "date"],
		"properties": {
			` + campaignKey + `,
			"date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}
		},
		"additionalProperties": false
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[actionlog.Kind]*jsonschema.Schema
	compileErr  error
)

// schemaFor returns the compiled argument schema for kind.
func schemaFor(kind actionlog.Kind) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[actionlog.Kind]*jsonschema.Schema, len(argSchemas))
		for k, src := range argSchemas {
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			url := fmt.Sprintf("https://actiond.schemas.local/args/%s.schema.json", strings.ToLower(string(k)))
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				compileErr = fmt.Errorf("payload: load %s schema: %w", k, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("payload: compile %s schema: %w", k, err)
				return
			}
			compiled[k] = s
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	s, ok := compiled[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}
