package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ENV_PREFIX = "LEDGER_CONNECTOR"

	URL_APP_NAME                    = "URL_App_Name"
	URL_PATH_PREFIX                 = "URL_Path_Prefix"
	URL_BASE_PATH                   = "URL_Base_Path"
	HTTP_SHUTDOWN_TIMEOUT           = "HTTP_Shutdown_Timeout"
	SERVICE_TO_SERVICE_CREDENTIALS  = "Service_To_Service_Credentials"
	PROFILE                         = "Enable_Profile"
	DATABASE_HOST                   = "Database_Host"
	DATABASE_PORT                   = "Database_Port"
	DATABASE_USER                   = "Database_User"
	DATABASE_PASSWORD               = "Database_Password"
	DATABASE_NAME                   = "Database_Name"
	DATABASE_SSL_MODE               = "Database_SSL_Mode"
	DATABASE_SSL_ROOT_CERT          = "Database_SSL_Root_Cert"
	DATABASE_QUERY_TIMEOUT          = "Database_Query_Timeout"
	CREDENTIAL_VAULT_SECRET         = "Credential_Vault_Secret"
	WEBHOOK_SHARED_KEY              = "Webhook_Shared_Key"
	WEBHOOK_SIGNATURE_HEADER        = "Webhook_Signature_Header"
	PROVIDER_API_BASE_URL           = "Provider_Api_Base_Url"
	PROVIDER_TOKEN_URL              = "Provider_Token_Url"
	PROVIDER_REVOCATION_URL         = "Provider_Revocation_Url"
	PROVIDER_CLIENT_ID              = "Provider_Client_Id"
	PROVIDER_CLIENT_SECRET          = "Provider_Client_Secret"
	PROVIDER_HTTP_TIMEOUT           = "Provider_Http_Timeout"
	TOKEN_REFRESH_SKEW              = "Token_Refresh_Skew"
	TOKEN_REFRESH_LEASE_TTL         = "Token_Refresh_Lease_TTL"
	CONNECTION_MULTI_TENANT_MODE    = "Connection_Multi_Tenant_Mode"
	CONNECTION_CACHE_SIZE           = "Connection_Cache_Size"
	CONNECTION_CACHE_TTL            = "Connection_Cache_TTL"
	EVENT_BATCH_SIZE                = "Event_Batch_Size"
	EVENT_MAX_ATTEMPTS              = "Event_Max_Attempts"
	EVENT_BACKOFF_CAP               = "Event_Backoff_Cap"
	EVENT_CLAIM_TIMEOUT             = "Event_Claim_Timeout"
	EVENT_PROCESSOR_POLL_INTERVAL   = "Event_Processor_Poll_Interval"
	SYNC_PAGE_SIZE                  = "Sync_Page_Size"
	SYNC_EXECUTION_BUDGET           = "Sync_Execution_Budget"
	SYNC_SCHEDULE_INTERVAL          = "Sync_Schedule_Interval"
	KAFKA_BROKERS                   = "Kafka_Brokers"
	KAFKA_ENTITY_EVENTS_TOPIC       = "Kafka_Entity_Events_Topic"
	KAFKA_ENTITY_EVENTS_BATCH_SIZE  = "Kafka_Entity_Events_Batch_Size"
	KAFKA_ENTITY_EVENTS_BATCH_BYTES = "Kafka_Entity_Events_Batch_Bytes"
	KAFKA_ENTITY_EVENTS_ENABLED     = "Kafka_Entity_Events_Enabled"
	KAFKA_USERNAME                  = "Kafka_Username"
	KAFKA_PASSWORD                  = "Kafka_Password"
	KAFKA_SASL_MECHANISM            = "Kafka_SASL_Mechanism"
	KAFKA_CA                        = "Kafka_CA"
	DEFAULT_KAFKA_BROKER_ADDRESS    = "kafka:29092"
)

type Config struct {
	UrlAppName                  string
	UrlPathPrefix               string
	UrlBasePath                 string
	HttpShutdownTimeout         time.Duration
	ServiceToServiceCredentials map[string]interface{}
	Profile                     bool

	DatabaseHost         string
	DatabasePort         int
	DatabaseUser         string
	DatabasePassword     string
	DatabaseName         string
	DatabaseSslMode      string
	DatabaseSslRootCert  string
	DatabaseQueryTimeout time.Duration

	CredentialVaultSecret  string
	WebhookSharedKey       string
	WebhookSignatureHeader string

	ProviderApiBaseUrl    string
	ProviderTokenUrl      string
	ProviderRevocationUrl string
	ProviderClientId      string
	ProviderClientSecret  string
	ProviderHttpTimeout   time.Duration

	TokenRefreshSkew     time.Duration
	TokenRefreshLeaseTTL time.Duration

	ConnectionMultiTenantMode bool
	ConnectionCacheSize       int
	ConnectionCacheTTL        time.Duration

	EventBatchSize             int
	EventMaxAttempts           int
	EventBackoffCap            int
	EventClaimTimeout          time.Duration
	EventProcessorPollInterval time.Duration

	SyncPageSize         int
	SyncExecutionBudget  time.Duration
	SyncScheduleInterval time.Duration

	KafkaBrokers                []string
	KafkaEntityEventsTopic      string
	KafkaEntityEventsBatchSize  int
	KafkaEntityEventsBatchBytes int
	KafkaEntityEventsEnabled    bool
	KafkaUsername               string
	KafkaPassword               string
	KafkaSASLMechanism          string
	KafkaCA                     string
}

// String dumps the configuration for startup logging.  Secrets (vault
// secret, webhook shared key, db password, provider client secret, kafka
// password) are deliberately left out.
func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", URL_PATH_PREFIX, c.UrlPathPrefix)
	fmt.Fprintf(&b, "%s: %s\n", URL_APP_NAME, c.UrlAppName)
	fmt.Fprintf(&b, "%s: %s\n", URL_BASE_PATH, c.UrlBasePath)
	fmt.Fprintf(&b, "%s: %s\n", HTTP_SHUTDOWN_TIMEOUT, c.HttpShutdownTimeout)
	fmt.Fprintf(&b, "%s: %t\n", PROFILE, c.Profile)
	fmt.Fprintf(&b, "%s: %s\n", DATABASE_HOST, c.DatabaseHost)
	fmt.Fprintf(&b, "%s: %d\n", DATABASE_PORT, c.DatabasePort)
	fmt.Fprintf(&b, "%s: %s\n", DATABASE_NAME, c.DatabaseName)
	fmt.Fprintf(&b, "%s: %s\n", DATABASE_SSL_MODE, c.DatabaseSslMode)
	fmt.Fprintf(&b, "%s: %s\n", DATABASE_QUERY_TIMEOUT, c.DatabaseQueryTimeout)
	fmt.Fprintf(&b, "%s: %s\n", WEBHOOK_SIGNATURE_HEADER, c.WebhookSignatureHeader)
	fmt.Fprintf(&b, "%s: %s\n", PROVIDER_API_BASE_URL, c.ProviderApiBaseUrl)
	fmt.Fprintf(&b, "%s: %s\n", PROVIDER_TOKEN_URL, c.ProviderTokenUrl)
	fmt.Fprintf(&b, "%s: %s\n", PROVIDER_HTTP_TIMEOUT, c.ProviderHttpTimeout)
	fmt.Fprintf(&b, "%s: %s\n", TOKEN_REFRESH_SKEW, c.TokenRefreshSkew)
	fmt.Fprintf(&b, "%s: %s\n", TOKEN_REFRESH_LEASE_TTL, c.TokenRefreshLeaseTTL)
	fmt.Fprintf(&b, "%s: %t\n", CONNECTION_MULTI_TENANT_MODE, c.ConnectionMultiTenantMode)
	fmt.Fprintf(&b, "%s: %d\n", CONNECTION_CACHE_SIZE, c.ConnectionCacheSize)
	fmt.Fprintf(&b, "%s: %s\n", CONNECTION_CACHE_TTL, c.ConnectionCacheTTL)
	fmt.Fprintf(&b, "%s: %d\n", EVENT_BATCH_SIZE, c.EventBatchSize)
	fmt.Fprintf(&b, "%s: %d\n", EVENT_MAX_ATTEMPTS, c.EventMaxAttempts)
	fmt.Fprintf(&b, "%s: %d\n", EVENT_BACKOFF_CAP, c.EventBackoffCap)
	fmt.Fprintf(&b, "%s: %s\n", EVENT_CLAIM_TIMEOUT, c.EventClaimTimeout)
	fmt.Fprintf(&b, "%s: %s\n", EVENT_PROCESSOR_POLL_INTERVAL, c.EventProcessorPollInterval)
	fmt.Fprintf(&b, "%s: %d\n", SYNC_PAGE_SIZE, c.SyncPageSize)
	fmt.Fprintf(&b, "%s: %s\n", SYNC_EXECUTION_BUDGET, c.SyncExecutionBudget)
	fmt.Fprintf(&b, "%s: %s\n", SYNC_SCHEDULE_INTERVAL, c.SyncScheduleInterval)
	fmt.Fprintf(&b, "%s: %s\n", KAFKA_BROKERS, c.KafkaBrokers)
	fmt.Fprintf(&b, "%s: %s\n", KAFKA_ENTITY_EVENTS_TOPIC, c.KafkaEntityEventsTopic)
	fmt.Fprintf(&b, "%s: %t\n", KAFKA_ENTITY_EVENTS_ENABLED, c.KafkaEntityEventsEnabled)

	return b.String()
}

func GetConfig() *Config {
	options := viper.New()

	options.SetDefault(URL_PATH_PREFIX, "api")
	options.SetDefault(URL_APP_NAME, "ledger-connector")
	options.SetDefault(HTTP_SHUTDOWN_TIMEOUT, 2)
	options.SetDefault(SERVICE_TO_SERVICE_CREDENTIALS, "")
	options.SetDefault(PROFILE, false)

	options.SetDefault(DATABASE_HOST, "localhost")
	options.SetDefault(DATABASE_PORT, 5432)
	options.SetDefault(DATABASE_USER, "ledger")
	options.SetDefault(DATABASE_PASSWORD, "ledger")
	options.SetDefault(DATABASE_NAME, "ledger-connector")
	options.SetDefault(DATABASE_SSL_MODE, "disable")
	options.SetDefault(DATABASE_SSL_ROOT_CERT, "db_ssl_root_cert.pem")
	options.SetDefault(DATABASE_QUERY_TIMEOUT, 5)

	options.SetDefault(WEBHOOK_SIGNATURE_HEADER, "x-provider-signature")

	options.SetDefault(PROVIDER_API_BASE_URL, "https://api.provider.example.com/v2")
	options.SetDefault(PROVIDER_TOKEN_URL, "https://identity.provider.example.com/connect/token")
	options.SetDefault(PROVIDER_REVOCATION_URL, "https://identity.provider.example.com/connect/revocation")
	options.SetDefault(PROVIDER_HTTP_TIMEOUT, 30)

	options.SetDefault(TOKEN_REFRESH_SKEW, 60)
	options.SetDefault(TOKEN_REFRESH_LEASE_TTL, 5)

	options.SetDefault(CONNECTION_MULTI_TENANT_MODE, false)
	options.SetDefault(CONNECTION_CACHE_SIZE, 512)
	options.SetDefault(CONNECTION_CACHE_TTL, 30)

	options.SetDefault(EVENT_BATCH_SIZE, 100)
	options.SetDefault(EVENT_MAX_ATTEMPTS, 5)
	options.SetDefault(EVENT_BACKOFF_CAP, 32)
	options.SetDefault(EVENT_CLAIM_TIMEOUT, 60)
	options.SetDefault(EVENT_PROCESSOR_POLL_INTERVAL, 5)

	options.SetDefault(SYNC_PAGE_SIZE, 100)
	options.SetDefault(SYNC_EXECUTION_BUDGET, 300)
	options.SetDefault(SYNC_SCHEDULE_INTERVAL, 3600)

	options.SetDefault(KAFKA_BROKERS, []string{DEFAULT_KAFKA_BROKER_ADDRESS})
	options.SetDefault(KAFKA_ENTITY_EVENTS_TOPIC, "platform.ledger-connector.entity-changes")
	options.SetDefault(KAFKA_ENTITY_EVENTS_BATCH_SIZE, 100)
	options.SetDefault(KAFKA_ENTITY_EVENTS_BATCH_BYTES, 1048576)
	options.SetDefault(KAFKA_ENTITY_EVENTS_ENABLED, false)

	options.SetEnvPrefix(ENV_PREFIX)
	options.AutomaticEnv()

	return &Config{
		UrlPathPrefix:               options.GetString(URL_PATH_PREFIX),
		UrlAppName:                  options.GetString(URL_APP_NAME),
		UrlBasePath:                 buildUrlBasePath(options.GetString(URL_PATH_PREFIX), options.GetString(URL_APP_NAME)),
		HttpShutdownTimeout:         options.GetDuration(HTTP_SHUTDOWN_TIMEOUT) * time.Second,
		ServiceToServiceCredentials: options.GetStringMap(SERVICE_TO_SERVICE_CREDENTIALS),
		Profile:                     options.GetBool(PROFILE),

		DatabaseHost:         options.GetString(DATABASE_HOST),
		DatabasePort:         options.GetInt(DATABASE_PORT),
		DatabaseUser:         options.GetString(DATABASE_USER),
		DatabasePassword:     options.GetString(DATABASE_PASSWORD),
		DatabaseName:         options.GetString(DATABASE_NAME),
		DatabaseSslMode:      options.GetString(DATABASE_SSL_MODE),
		DatabaseSslRootCert:  options.GetString(DATABASE_SSL_ROOT_CERT),
		DatabaseQueryTimeout: options.GetDuration(DATABASE_QUERY_TIMEOUT) * time.Second,

		CredentialVaultSecret:  options.GetString(CREDENTIAL_VAULT_SECRET),
		WebhookSharedKey:       options.GetString(WEBHOOK_SHARED_KEY),
		WebhookSignatureHeader: options.GetString(WEBHOOK_SIGNATURE_HEADER),

		ProviderApiBaseUrl:    options.GetString(PROVIDER_API_BASE_URL),
		ProviderTokenUrl:      options.GetString(PROVIDER_TOKEN_URL),
		ProviderRevocationUrl: options.GetString(PROVIDER_REVOCATION_URL),
		ProviderClientId:      options.GetString(PROVIDER_CLIENT_ID),
		ProviderClientSecret:  options.GetString(PROVIDER_CLIENT_SECRET),
		ProviderHttpTimeout:   options.GetDuration(PROVIDER_HTTP_TIMEOUT) * time.Second,

		TokenRefreshSkew:     options.GetDuration(TOKEN_REFRESH_SKEW) * time.Second,
		TokenRefreshLeaseTTL: options.GetDuration(TOKEN_REFRESH_LEASE_TTL) * time.Second,

		ConnectionMultiTenantMode: options.GetBool(CONNECTION_MULTI_TENANT_MODE),
		ConnectionCacheSize:       options.GetInt(CONNECTION_CACHE_SIZE),
		ConnectionCacheTTL:        options.GetDuration(CONNECTION_CACHE_TTL) * time.Second,

		EventBatchSize:             options.GetInt(EVENT_BATCH_SIZE),
		EventMaxAttempts:           options.GetInt(EVENT_MAX_ATTEMPTS),
		EventBackoffCap:            options.GetInt(EVENT_BACKOFF_CAP),
		EventClaimTimeout:          options.GetDuration(EVENT_CLAIM_TIMEOUT) * time.Second,
		EventProcessorPollInterval: options.GetDuration(EVENT_PROCESSOR_POLL_INTERVAL) * time.Second,

		SyncPageSize:         options.GetInt(SYNC_PAGE_SIZE),
		SyncExecutionBudget:  options.GetDuration(SYNC_EXECUTION_BUDGET) * time.Second,
		SyncScheduleInterval: options.GetDuration(SYNC_SCHEDULE_INTERVAL) * time.Second,

		KafkaBrokers:                options.GetStringSlice(KAFKA_BROKERS),
		KafkaEntityEventsTopic:      options.GetString(KAFKA_ENTITY_EVENTS_TOPIC),
		KafkaEntityEventsBatchSize:  options.GetInt(KAFKA_ENTITY_EVENTS_BATCH_SIZE),
		KafkaEntityEventsBatchBytes: options.GetInt(KAFKA_ENTITY_EVENTS_BATCH_BYTES),
		KafkaEntityEventsEnabled:    options.GetBool(KAFKA_ENTITY_EVENTS_ENABLED),
		KafkaUsername:               options.GetString(KAFKA_USERNAME),
		KafkaPassword:               options.GetString(KAFKA_PASSWORD),
		KafkaSASLMechanism:          options.GetString(KAFKA_SASL_MECHANISM),
		KafkaCA:                     options.GetString(KAFKA_CA),
	}
}

func buildUrlBasePath(pathPrefix string, appName string) string {
	return fmt.Sprintf("/%s/%s/v1", pathPrefix, appName)
}
