package uniquejobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nimburion/uniquejobs/pkg/observability/logger"
)

const (
	defaultDynamoDBLockTable        = "uniquejobs_locks"
	defaultDynamoDBOperationTimeout = 5 * time.Second

	dynamoAttrKey     = "lock_key"
	dynamoAttrToken   = "token"
	dynamoAttrExpires = "expires_at"
	// dynamoAttrTTL holds epoch seconds for the table's native TTL sweeper.
	dynamoAttrTTL = "ttl"
)

type dynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStoreConfig configures lock records kept as DynamoDB items. The table must have a
// string partition key named lock_key.
type DynamoDBStoreConfig struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	Table            string
	OperationTimeout time.Duration
}

func (c *DynamoDBStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultDynamoDBLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultDynamoDBOperationTimeout
	}
}

// DynamoDBStore implements Store with conditional writes. expires_at holds epoch milliseconds;
// items past it are treated as absent even before DynamoDB's TTL sweeper removes them.
type DynamoDBStore struct {
	client dynamoDBAPI
	log    logger.Logger
	config DynamoDBStoreConfig
	now    func() time.Time
}

// NewDynamoDBStore builds an AWS SDK v2 client and verifies the lock table exists.
func NewDynamoDBStore(cfg DynamoDBStoreConfig, log logger.Logger) (*DynamoDBStore, error) {
	if log == nil {
		return nil, uniqueError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, uniqueError(ErrInvalidArgument, "aws region is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	store := &DynamoDBStore{
		client: dynamodb.NewFromConfig(awsCfg, opts...),
		log:    log,
		config: cfg,
		now:    time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := store.HealthCheck(ctx); err != nil {
		return nil, err
	}
	log.Info("dynamodb lock store initialized", "region", cfg.Region, "table", cfg.Table)
	return store, nil
}

func newDynamoDBStoreWithClient(client dynamoDBAPI, cfg DynamoDBStoreConfig, log logger.Logger) (*DynamoDBStore, error) {
	if client == nil {
		return nil, uniqueError(ErrInvalidArgument, "dynamodb client is required")
	}
	if log == nil {
		return nil, uniqueError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &DynamoDBStore{client: client, log: log, config: cfg, now: time.Now}, nil
}

// CreateIfAbsent writes the item unless a live one exists.
func (s *DynamoDBStore) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" || value == "" {
		return false, uniqueError(ErrInvalidArgument, "lock key and value are required")
	}

	now := s.now().UTC()
	item := map[string]types.AttributeValue{
		dynamoAttrKey:   &types.AttributeValueMemberS{Value: key},
		dynamoAttrToken: &types.AttributeValueMemberS{Value: value},
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		item[dynamoAttrExpires] = millisAttr(expiresAt)
		item[dynamoAttrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Add(time.Second).Unix(), 10)}
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#key) OR (attribute_exists(#expires) AND #expires <= :now)"),
		ExpressionAttributeNames: map[string]string{
			"#key":     dynamoAttrKey,
			"#expires": dynamoAttrExpires,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millisAttr(now),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Join(uniqueError(ErrRetryable, "create lock record failed"), err)
	}
	return true, nil
}

// DeleteIfEquals deletes the live item when its token matches.
func (s *DynamoDBStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" || expected == "" {
		return false, uniqueError(ErrInvalidArgument, "lock key and expected value are required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.Table),
		Key: map[string]types.AttributeValue{
			dynamoAttrKey: &types.AttributeValueMemberS{Value: key},
		},
		ConditionExpression: aws.String("#token = :token AND (attribute_not_exists(#expires) OR #expires > :now)"),
		ExpressionAttributeNames: map[string]string{
			"#token":   dynamoAttrToken,
			"#expires": dynamoAttrExpires,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: expected},
			":now":   millisAttr(s.now().UTC()),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Join(uniqueError(ErrRetryable, "delete lock record failed"), err)
	}
	return true, nil
}

// Get reads the item with a strongly consistent read.
func (s *DynamoDBStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.ensureReady(); err != nil {
		return "", false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, uniqueError(ErrInvalidArgument, "lock key is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	out, err := s.client.GetItem(opCtx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.Table),
		Key: map[string]types.AttributeValue{
			dynamoAttrKey: &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, errors.Join(uniqueError(ErrRetryable, "read lock record failed"), err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}
	if expires, ok := out.Item[dynamoAttrExpires].(*types.AttributeValueMemberN); ok {
		millis, err := strconv.ParseInt(expires.Value, 10, 64)
		if err == nil && millis <= s.now().UTC().UnixMilli() {
			return "", false, nil
		}
	}
	token, ok := out.Item[dynamoAttrToken].(*types.AttributeValueMemberS)
	if !ok {
		return "", false, uniqueError(ErrValidation, fmt.Sprintf("lock record %q has no token", key))
	}
	return token.Value, true, nil
}

// HealthCheck verifies the lock table is reachable.
func (s *DynamoDBStore) HealthCheck(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if _, err := s.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: aws.String(s.config.Table)}); err != nil {
		return errors.Join(uniqueError(ErrRetryable, "dynamodb healthcheck failed"), err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no long-lived connections.
func (s *DynamoDBStore) Close() error {
	return nil
}

func (s *DynamoDBStore) ensureReady() error {
	if s == nil || s.client == nil {
		return uniqueError(ErrNotInitialized, "dynamodb store is not initialized")
	}
	return nil
}

func (s *DynamoDBStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func millisAttr(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func isConditionFailed(err error) bool {
	var conditionFailed *types.ConditionalCheckFailedException
	return errors.As(err, &conditionFailed)
}
