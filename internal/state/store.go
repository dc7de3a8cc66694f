package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrProject     = "project"
	attrVolumeID    = "volumeId"
	attrSnapshotID  = "snapshotId"
	attrStatus      = "Status"
	attrAMI         = "AMI"
	attrState       = "State"
	attrInstanceID  = "InstanceId"
	attrLastUpdated = "LastUpdated"
	attrPrivateIP   = "PrivateIp"
	attrPublicIP    = "PublicIp"
	attrCNAMEDomain = "CNAMEDomain"

	// snapshotIndexName is the meta-table GSI keyed on snapshotId.
	snapshotIndexName = "SnapshotIndex"
)

var (
	errProjectGet      = errors.New("failed to load project record")
	errProjectPut      = errors.New("failed to write project record")
	errProjectUpdate   = errors.New("failed to update project record")
	errProjectDelete   = errors.New("failed to delete project record")
	errProjectScan     = errors.New("failed to scan project records")
	errMetaPut         = errors.New("failed to write volume record")
	errMetaUpdate      = errors.New("failed to update volume record")
	errMetaDelete      = errors.New("failed to delete volume record")
	errMetaQuery       = errors.New("failed to query volume records")
	errMetaScan        = errors.New("failed to scan volume records")
	errRecordMarshal   = errors.New("failed to marshal record")
	errRecordUnmarshal = errors.New("failed to unmarshal record")
	errExpressionBuild = errors.New("failed to build dynamodb expression")
)

// DynamoClient is the subset of the DynamoDB client the store uses.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store reads and writes project and volume records. Absent records are
// returned as nil, not errors. Writes are last-write-wins; the tables carry
// no conditional-write guards.
type Store struct {
	client    DynamoClient
	mainTable string
	metaTable string
}

func NewStore(client DynamoClient, mainTable, metaTable string) *Store {
	return &Store{
		client:    client,
		mainTable: mainTable,
		metaTable: metaTable,
	}
}

func projectKey(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrProject: &types.AttributeValueMemberS{Value: name},
	}
}

func metaKey(project, volumeID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrProject:  &types.AttributeValueMemberS{Value: project},
		attrVolumeID: &types.AttributeValueMemberS{Value: volumeID},
	}
}

// GetProject loads a project record by name.
func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.mainTable),
		Key:       projectKey(name),
	})
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", errProjectGet, name, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Project
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", errRecordUnmarshal, err)
	}
	return &p, nil
}

// PutProject writes a whole project record, replacing any existing one.
func (s *Store) PutProject(ctx context.Context, p *Project) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("%w: %w", errRecordMarshal, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.mainTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("%w %q: %w", errProjectPut, p.Name, err)
	}
	return nil
}

// SetProjectStatus updates only the Status attribute.
func (s *Store) SetProjectStatus(ctx context.Context, name string, status Status) error {
	update := expression.Set(expression.Name(attrStatus), expression.Value(status))
	return s.updateProject(ctx, name, update)
}

// SetProjectImage records a freshly registered AMI and the matching status
// in a single update.
func (s *Store) SetProjectImage(ctx context.Context, name, ami string, status Status) error {
	update := expression.
		Set(expression.Name(attrAMI), expression.Value(ami)).
		Set(expression.Name(attrStatus), expression.Value(status))
	return s.updateProject(ctx, name, update)
}

// LaunchRecord carries the attributes the launch flow updates when an
// existing project's instance reaches running.
type LaunchRecord struct {
	InstanceID  string
	AMI         string
	State       string
	PrivateIP   string
	PublicIP    string
	CNAMEDomain string
	LastUpdated string
}

// RecordLaunch moves an existing project record to RUNNING, preserving
// attributes the launch flow does not own.
func (s *Store) RecordLaunch(ctx context.Context, name string, rec LaunchRecord) error {
	update := expression.
		Set(expression.Name(attrStatus), expression.Value(StatusRunning)).
		Set(expression.Name(attrInstanceID), expression.Value(rec.InstanceID)).
		Set(expression.Name(attrAMI), expression.Value(rec.AMI)).
		Set(expression.Name(attrLastUpdated), expression.Value(rec.LastUpdated)).
		Set(expression.Name(attrState), expression.Value(rec.State))
	if rec.PrivateIP != "" {
		update = update.Set(expression.Name(attrPrivateIP), expression.Value(rec.PrivateIP))
	}
	if rec.PublicIP != "" {
		update = update.Set(expression.Name(attrPublicIP), expression.Value(rec.PublicIP))
	}
	if rec.CNAMEDomain != "" {
		update = update.Set(expression.Name(attrCNAMEDomain), expression.Value(rec.CNAMEDomain))
	}
	return s.updateProject(ctx, name, update)
}

func (s *Store) updateProject(ctx context.Context, name string, update expression.UpdateBuilder) error {
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("%w: %w", errExpressionBuild, err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.mainTable),
		Key:                       projectKey(name),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("%w %q: %w", errProjectUpdate, name, err)
	}
	return nil
}

// DeleteProject removes a project record.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.mainTable),
		Key:       projectKey(name),
	})
	if err != nil {
		return fmt.Errorf("%w %q: %w", errProjectDelete, name, err)
	}
	return nil
}

// FindProjectByImage scans the main table for the first project whose AMI
// attribute matches. The table has no index on AMI; registration cycles are
// rare enough that a paginated scan is acceptable.
func (s *Store) FindProjectByImage(ctx context.Context, ami string) (*Project, error) {
	filter := expression.Name(attrAMI).Equal(expression.Value(ami))
	return s.scanFirstProject(ctx, filter)
}

// FindProjectByInstance scans the main table for the first project whose
// InstanceId attribute matches.
func (s *Store) FindProjectByInstance(ctx context.Context, instanceID string) (*Project, error) {
	filter := expression.Name(attrInstanceID).Equal(expression.Value(instanceID))
	return s.scanFirstProject(ctx, filter)
}

func (s *Store) scanFirstProject(ctx context.Context, filter expression.ConditionBuilder) (*Project, error) {
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errExpressionBuild, err)
	}

	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.mainTable),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errProjectScan, err)
		}
		if len(out.Items) > 0 {
			var p Project
			if err := attributevalue.UnmarshalMap(out.Items[0], &p); err != nil {
				return nil, fmt.Errorf("%w: %w", errRecordUnmarshal, err)
			}
			return &p, nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil, nil
		}
		start = out.LastEvaluatedKey
	}
}

// PutMeta writes a volume record.
func (s *Store) PutMeta(ctx context.Context, m *VolumeMeta) error {
	item, err := attributevalue.MarshalMap(m)
	if err != nil {
		return fmt.Errorf("%w: %w", errRecordMarshal, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.metaTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("%w %s/%s: %w", errMetaPut, m.Project, m.VolumeID, err)
	}
	return nil
}

// MarkMetaCompleted flips a volume record's State to COMPLETED.
func (s *Store) MarkMetaCompleted(ctx context.Context, project, volumeID string) error {
	update := expression.Set(expression.Name(attrState), expression.Value(MetaCompleted))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("%w: %w", errExpressionBuild, err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.metaTable),
		Key:                       metaKey(project, volumeID),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("%w %s/%s: %w", errMetaUpdate, project, volumeID, err)
	}
	return nil
}

// DeleteMeta removes a volume record.
func (s *Store) DeleteMeta(ctx context.Context, project, volumeID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.metaTable),
		Key:       metaKey(project, volumeID),
	})
	if err != nil {
		return fmt.Errorf("%w %s/%s: %w", errMetaDelete, project, volumeID, err)
	}
	return nil
}

// MetasForProject returns every volume record for a project.
func (s *Store) MetasForProject(ctx context.Context, project string) ([]VolumeMeta, error) {
	cond := expression.Key(attrProject).Equal(expression.Value(project))
	expr, err := expression.NewBuilder().WithKeyCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errExpressionBuild, err)
	}

	var metas []VolumeMeta
	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.metaTable),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("%w for %q: %w", errMetaQuery, project, err)
		}
		var page []VolumeMeta
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("%w: %w", errRecordUnmarshal, err)
		}
		metas = append(metas, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return metas, nil
		}
		start = out.LastEvaluatedKey
	}
}

// MetaBySnapshot queries the SnapshotIndex GSI. All matches are returned so
// callers can detect duplicate rows for one snapshot id.
func (s *Store) MetaBySnapshot(ctx context.Context, snapshotID string) ([]VolumeMeta, error) {
	cond := expression.Key(attrSnapshotID).Equal(expression.Value(snapshotID))
	expr, err := expression.NewBuilder().WithKeyCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errExpressionBuild, err)
	}

	var metas []VolumeMeta
	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.metaTable),
			IndexName:                 aws.String(snapshotIndexName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("%w for snapshot %q: %w", errMetaQuery, snapshotID, err)
		}
		var page []VolumeMeta
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("%w: %w", errRecordUnmarshal, err)
		}
		metas = append(metas, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return metas, nil
		}
		start = out.LastEvaluatedKey
	}
}

// MetaByVolume scans the meta table for the first record matching a volume
// id. Volume ids are not indexed; the meta table only holds rows for cycles
// in flight, so the scan stays small.
func (s *Store) MetaByVolume(ctx context.Context, volumeID string) (*VolumeMeta, error) {
	filter := expression.Name(attrVolumeID).Equal(expression.Value(volumeID))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errExpressionBuild, err)
	}

	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.metaTable),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errMetaScan, err)
		}
		if len(out.Items) > 0 {
			var m VolumeMeta
			if err := attributevalue.UnmarshalMap(out.Items[0], &m); err != nil {
				return nil, fmt.Errorf("%w: %w", errRecordUnmarshal, err)
			}
			return &m, nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil, nil
		}
		start = out.LastEvaluatedKey
	}
}
