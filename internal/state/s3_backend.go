package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/flowdeploy/flowdeploy/internal/ir"
	"github.com/flowdeploy/flowdeploy/internal/logging"
)

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// s3Backend implements Backend for AWS S3 + optional DynamoDB locking.
type s3Backend struct {
	bucket        string
	key           string
	region        string
	dynamoDBTable string

	s3Client s3API
	dbClient dynamoAPI
	lockID   string
}

func newS3Backend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	b := &s3Backend{
		bucket:        cfg.Bucket,
		key:           cfg.objectKey(stateObject),
		region:        region,
		dynamoDBTable: cfg.LockTable,
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: unable to load AWS config: %w", err)
	}
	b.s3Client = s3.NewFromConfig(awsCfg)
	if b.dynamoDBTable != "" {
		b.dbClient = dynamodb.NewFromConfig(awsCfg)
	}

	return b, nil
}

func (b *s3Backend) String() string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, b.key)
}

func (b *s3Backend) Read(ctx context.Context) (*ir.State, error) {
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || apiErrorCode(err) == "NoSuchKey" || apiErrorCode(err) == "NotFound" {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to read state from %s: %w", b, err)
	}
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	state, err := Decode(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote state: %w", err)
	}
	return state, nil
}

func (b *s3Backend) Write(ctx context.Context, state *ir.State) error {
	content, err := Encode(state)
	if err != nil {
		return err
	}

	_, err = b.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucket),
		Key:                  aws.String(b.key),
		Body:                 bytes.NewReader(content),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("failed to write state to %s: %w", b, err)
	}
	return nil
}

func (b *s3Backend) Lock(ctx context.Context) error {
	if b.dynamoDBTable == "" {
		logging.Warn("s3 state backend has no lock table; concurrent runs are not detected", "state", b.String())
		return nil
	}

	info := newLockInfo()
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}

	_, err = b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.key},
			"Info":    &dbtypes.AttributeValueMemberS{Value: string(payload)},
			"Created": &dbtypes.AttributeValueMemberS{Value: info.Created.Format(time.RFC3339)},
			"Owner":   &dbtypes.AttributeValueMemberS{Value: info.ID},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) || apiErrorCode(err) == "ConditionalCheckFailedException" {
			return &LockedError{
				Location: fmt.Sprintf("dynamodb://%s/%s", b.dynamoDBTable, b.key),
				Info:     b.lockHolder(ctx),
			}
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	b.lockID = info.ID
	return nil
}

func (b *s3Backend) lockHolder(ctx context.Context) *LockInfo {
	out, err := b.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.key},
		},
	})
	if err != nil || out.Item == nil {
		return nil
	}
	v, ok := out.Item["Info"].(*dbtypes.AttributeValueMemberS)
	if !ok {
		return nil
	}
	var info LockInfo
	if json.Unmarshal([]byte(v.Value), &info) != nil {
		return nil
	}
	return &info
}

func (b *s3Backend) Unlock(ctx context.Context) error {
	if b.dynamoDBTable == "" || b.lockID == "" {
		return nil
	}

	_, err := b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.key},
		},
		ConditionExpression:      aws.String("attribute_not_exists(LockID) OR #owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#owner": "Owner"},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":owner": &dbtypes.AttributeValueMemberS{Value: b.lockID},
		},
	})
	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) || apiErrorCode(err) == "ConditionalCheckFailedException" {
		b.lockID = ""
		return &LockTakenError{
			Location: fmt.Sprintf("dynamodb://%s/%s", b.dynamoDBTable, b.key),
			Holder:   b.lockHolder(ctx),
		}
	}
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	b.lockID = ""
	return nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
