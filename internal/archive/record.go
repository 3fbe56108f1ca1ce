package archive

// Record is the flat event row stored in every archive file. The column set
// and ordering are fixed; adding a column means bumping the prefix version.
// Only email, timestamp, and event are required. Optional string columns treat
// the empty string and null as equivalent; nullable integers use pointers.
//
// Column names are lower_snake_case. The webhook's "smtp-id" wire field maps
// to smtp_id, and the nested pool object is flattened into pool_name/pool_id.
type Record struct {
	Email     string `parquet:"email,snappy,dict"`
	Timestamp int64  `parquet:"timestamp"`
	Event     string `parquet:"event,snappy,dict"`

	Category     string `parquet:"category,snappy,optional"`
	SGEventID    string `parquet:"sg_event_id,snappy,optional"`
	SGMessageID  string `parquet:"sg_message_id,snappy,optional"`
	SGTemplateID string `parquet:"sg_template_id,snappy,optional,dict"`
	SMTPID       string `parquet:"smtp_id,snappy,optional"`
	UserAgent    string `parquet:"useragent,snappy,optional"`
	IP           string `parquet:"ip,snappy,optional"`
	URL          string `parquet:"url,snappy,optional"`
	Reason       string `parquet:"reason,snappy,optional"`
	Status       string `parquet:"status,snappy,optional,dict"`
	Response     string `parquet:"response,snappy,optional"`
	Attempt      string `parquet:"attempt,snappy,optional"`
	Type         string `parquet:"type,snappy,optional,dict"`

	BounceClassification  string `parquet:"bounce_classification,snappy,optional,dict"`
	MarketingCampaignName string `parquet:"marketing_campaign_name,snappy,optional"`
	PoolName              string `parquet:"pool_name,snappy,optional"`

	TLS                 *int32 `parquet:"tls,optional"`
	ASMGroupID          *int32 `parquet:"asm_group_id,optional"`
	MarketingCampaignID *int32 `parquet:"marketing_campaign_id,optional"`
	PoolID              *int32 `parquet:"pool_id,optional"`

	SendAt *int64 `parquet:"send_at,optional"`
}

// requiredColumns are the schema leaves every readable file must carry.
var requiredColumns = []string{"email", "timestamp", "event"}
