// Package dynamotest provides an in-memory DynamoDB for tests.
//
// It implements the subset of the DynamoDB API the repository package calls and
// understands only the expression forms the repository emits:
//
//	attribute_exists(#n), attribute_not_exists(#n), begins_with(#n, :v)
//	#n <op> :v   with op one of = <> < <= > >=
//
// joined by " AND ", and update expressions of the form "SET #a = :a, #b = :b".
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

type keyDef struct {
	hash string
	rng  string
}

type table struct {
	key     keyDef
	indexes map[string]keyDef
	items   map[string]item
}

// DB is safe for concurrent use.
type DB struct {
	// MaxPageItems caps the items returned by one Query below the requested Limit.
	// Zero means no cap. Use it to force callers through LastEvaluatedKey.
	MaxPageItems int

	// Fail is consulted before every call. A non-nil error is returned unchanged.
	Fail func(op, table string) error

	mu     sync.Mutex
	tables map[string]*table
}

func New() *DB {
	return &DB{tables: map[string]*table{}}
}

func (db *DB) fail(op, tableName string) error {
	if db.Fail == nil {
		return nil
	}
	return db.Fail(op, tableName)
}

func (db *DB) table(name string) (*table, error) {
	t, ok := db.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + name)}
	}
	return t, nil
}

func (db *DB) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	name := aws.ToString(in.TableName)
	if err := db.fail("CreateTable", name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table already exists: " + name)}
	}
	t := &table{
		key:     schemaKeys(in.KeySchema),
		indexes: map[string]keyDef{},
		items:   map[string]item{},
	}
	if t.key.hash == "" {
		return nil, errors.New("dynamotest: key schema needs a hash key")
	}
	for _, gsi := range in.GlobalSecondaryIndexes {
		t.indexes[aws.ToString(gsi.IndexName)] = schemaKeys(gsi.KeySchema)
	}
	db.tables[name] = t
	return &dynamodb.CreateTableOutput{
		TableDescription: &types.TableDescription{
			TableName:   aws.String(name),
			TableStatus: types.TableStatusActive,
		},
	}, nil
}

func (db *DB) ListTables(ctx context.Context, in *dynamodb.ListTablesInput, _ ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	if err := db.fail("ListTables", ""); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return &dynamodb.ListTablesOutput{TableNames: names}, nil
}

func (db *DB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	name := aws.ToString(in.TableName)
	if err := db.fail("GetItem", name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(name)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	existing, ok := t.items[k]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: clone(existing)}, nil
}

func (db *DB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	name := aws.ToString(in.TableName)
	if err := db.fail("PutItem", name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	w := write{
		table:  name,
		put:    in.Item,
		cond:   aws.ToString(in.ConditionExpression),
		names:  in.ExpressionAttributeNames,
		values: in.ExpressionAttributeValues,
	}
	if err := db.apply([]write{w}, false); err != nil {
		return nil, err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (db *DB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	name := aws.ToString(in.TableName)
	if err := db.fail("UpdateItem", name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	w := write{
		table:  name,
		key:    in.Key,
		update: aws.ToString(in.UpdateExpression),
		cond:   aws.ToString(in.ConditionExpression),
		names:  in.ExpressionAttributeNames,
		values: in.ExpressionAttributeValues,
	}
	if err := db.apply([]write{w}, false); err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (db *DB) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	name := aws.ToString(in.TableName)
	if err := db.fail("DeleteItem", name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	w := write{
		table:  name,
		key:    in.Key,
		delete: true,
		cond:   aws.ToString(in.ConditionExpression),
		names:  in.ExpressionAttributeNames,
		values: in.ExpressionAttributeValues,
	}
	if err := db.apply([]write{w}, false); err != nil {
		return nil, err
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (db *DB) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	var writes []write
	for name, reqs := range in.RequestItems {
		if err := db.fail("BatchWriteItem", name); err != nil {
			return nil, err
		}
		if len(reqs) > 25 {
			return nil, fmt.Errorf("dynamotest: batch of %d exceeds 25 requests", len(reqs))
		}
		for _, req := range reqs {
			switch {
			case req.PutRequest != nil:
				writes = append(writes, write{table: name, put: req.PutRequest.Item})
			case req.DeleteRequest != nil:
				writes = append(writes, write{table: name, key: req.DeleteRequest.Key, delete: true})
			}
		}
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.apply(writes, false); err != nil {
		return nil, err
	}
	return &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}, nil
}

// TransactWriteItems applies every write or none. A failed condition cancels the
// whole transaction with a TransactionCanceledException.
func (db *DB) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	var writes []write
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			writes = append(writes, write{
				table:  aws.ToString(ti.Put.TableName),
				put:    ti.Put.Item,
				cond:   aws.ToString(ti.Put.ConditionExpression),
				names:  ti.Put.ExpressionAttributeNames,
				values: ti.Put.ExpressionAttributeValues,
			})
		case ti.Update != nil:
			writes = append(writes, write{
				table:  aws.ToString(ti.Update.TableName),
				key:    ti.Update.Key,
				update: aws.ToString(ti.Update.UpdateExpression),
				cond:   aws.ToString(ti.Update.ConditionExpression),
				names:  ti.Update.ExpressionAttributeNames,
				values: ti.Update.ExpressionAttributeValues,
			})
		case ti.Delete != nil:
			writes = append(writes, write{
				table:  aws.ToString(ti.Delete.TableName),
				key:    ti.Delete.Key,
				delete: true,
				cond:   aws.ToString(ti.Delete.ConditionExpression),
				names:  ti.Delete.ExpressionAttributeNames,
				values: ti.Delete.ExpressionAttributeValues,
			})
		case ti.ConditionCheck != nil:
			writes = append(writes, write{
				table:  aws.ToString(ti.ConditionCheck.TableName),
				key:    ti.ConditionCheck.Key,
				check:  true,
				cond:   aws.ToString(ti.ConditionCheck.ConditionExpression),
				names:  ti.ConditionCheck.ExpressionAttributeNames,
				values: ti.ConditionCheck.ExpressionAttributeValues,
			})
		}
	}
	for _, w := range writes {
		if err := db.fail("TransactWriteItems", w.table); err != nil {
			return nil, err
		}
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.apply(writes, true); err != nil {
		return nil, err
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Query supports table and GSI queries. Results are ordered by the range key of
// the queried key schema, ties broken by the table's primary key.
func (db *DB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	name := aws.ToString(in.TableName)
	if err := db.fail("Query", name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	t, err := db.table(name)
	if err != nil {
		return nil, err
	}
	kd := t.key
	if idx := aws.ToString(in.IndexName); idx != "" {
		var ok bool
		if kd, ok = t.indexes[idx]; !ok {
			return nil, fmt.Errorf("dynamotest: unknown index %q on %s", idx, name)
		}
	}
	expr := aws.ToString(in.KeyConditionExpression)
	if expr == "" {
		return nil, errors.New("dynamotest: KeyConditionExpression is required")
	}

	var matched []item
	for _, it := range t.items {
		if _, ok := it[kd.hash]; !ok {
			continue
		}
		if kd.rng != "" {
			if _, ok := it[kd.rng]; !ok {
				continue
			}
		}
		ok, err := evalCondition(expr, in.ExpressionAttributeNames, in.ExpressionAttributeValues, it)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, it)
		}
	}

	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	order := func(a, b item) int {
		if kd.rng != "" {
			if c := compareAttr(a[kd.rng], b[kd.rng]); c != 0 {
				return c
			}
		}
		if c := compareAttr(a[t.key.hash], b[t.key.hash]); c != 0 {
			return c
		}
		if t.key.rng != "" {
			return compareAttr(a[t.key.rng], b[t.key.rng])
		}
		return 0
	}
	sort.Slice(matched, func(i, j int) bool {
		c := order(matched[i], matched[j])
		if forward {
			return c < 0
		}
		return c > 0
	})

	if len(in.ExclusiveStartKey) > 0 {
		start := in.ExclusiveStartKey
		cut := len(matched)
		for i, it := range matched {
			c := order(it, start)
			if (forward && c > 0) || (!forward && c < 0) {
				cut = i
				break
			}
		}
		matched = matched[cut:]
	}

	limit := len(matched)
	limited := false
	if in.Limit != nil && *in.Limit > 0 && int(*in.Limit) <= limit {
		limit = int(*in.Limit)
		limited = true
	}
	if db.MaxPageItems > 0 && db.MaxPageItems < limit {
		limit = db.MaxPageItems
		limited = true
	}
	page := matched[:limit]

	out := &dynamodb.QueryOutput{
		Items:        make([]map[string]types.AttributeValue, 0, len(page)),
		Count:        int32(len(page)),
		ScannedCount: int32(len(page)),
	}
	projection := projectionNames(aws.ToString(in.ProjectionExpression), in.ExpressionAttributeNames)
	for _, it := range page {
		out.Items = append(out.Items, project(it, projection))
	}
	if limited && len(page) > 0 {
		last := page[len(page)-1]
		lek := item{t.key.hash: last[t.key.hash]}
		if t.key.rng != "" {
			lek[t.key.rng] = last[t.key.rng]
		}
		lek[kd.hash] = last[kd.hash]
		if kd.rng != "" {
			lek[kd.rng] = last[kd.rng]
		}
		out.LastEvaluatedKey = lek
	}
	return out, nil
}

// Items returns a copy of every item in the table ordered by primary key.
func (db *DB) Items(tableName string) []map[string]types.AttributeValue {
	db.mu.Lock()
	defer db.mu.Unlock()

	t, ok := db.tables[tableName]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, clone(t.items[k]))
	}
	return out
}

type write struct {
	table  string
	put    item
	key    item
	update string
	delete bool
	check  bool
	cond   string
	names  map[string]string
	values map[string]types.AttributeValue
}

// apply validates every write before mutating anything.
func (db *DB) apply(writes []write, transactional bool) error {
	type staged struct {
		t    *table
		k    string
		next item
		drop bool
		skip bool
	}
	plan := make([]staged, 0, len(writes))
	reasons := make([]types.CancellationReason, 0, len(writes))
	failed := false

	for _, w := range writes {
		t, err := db.table(w.table)
		if err != nil {
			return err
		}
		keySource := w.key
		if w.put != nil {
			keySource = w.put
		}
		k, err := t.keyOf(keySource)
		if err != nil {
			return err
		}
		current := t.items[k]

		if w.cond != "" {
			ok, err := evalCondition(w.cond, w.names, w.values, current)
			if err != nil {
				return err
			}
			if !ok {
				if !transactional {
					return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
				}
				failed = true
				reasons = append(reasons, types.CancellationReason{
					Code:    aws.String("ConditionalCheckFailed"),
					Message: aws.String("The conditional request failed"),
				})
				continue
			}
		}
		reasons = append(reasons, types.CancellationReason{Code: aws.String("None")})

		s := staged{t: t, k: k}
		switch {
		case w.check:
			s.skip = true
		case w.delete:
			s.drop = true
		case w.put != nil:
			s.next = clone(w.put)
		default:
			next := clone(current)
			if next == nil {
				next = clone(w.key)
			}
			if err := applyUpdate(w.update, w.names, w.values, next); err != nil {
				return err
			}
			s.next = next
		}
		plan = append(plan, s)
	}

	if failed {
		return &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, s := range plan {
		switch {
		case s.skip:
		case s.drop:
			delete(s.t.items, s.k)
		default:
			s.t.items[s.k] = s.next
		}
	}
	return nil
}

func schemaKeys(schema []types.KeySchemaElement) keyDef {
	var kd keyDef
	for _, el := range schema {
		switch el.KeyType {
		case types.KeyTypeHash:
			kd.hash = aws.ToString(el.AttributeName)
		case types.KeyTypeRange:
			kd.rng = aws.ToString(el.AttributeName)
		}
	}
	return kd
}

func (t *table) keyOf(it item) (string, error) {
	h, ok := it[t.key.hash]
	if !ok {
		return "", fmt.Errorf("dynamotest: missing key attribute %q", t.key.hash)
	}
	k := attrString(h)
	if t.key.rng != "" {
		r, ok := it[t.key.rng]
		if !ok {
			return "", fmt.Errorf("dynamotest: missing key attribute %q", t.key.rng)
		}
		k += "\x00" + attrString(r)
	}
	return k, nil
}

func attrString(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + av.Value
	case *types.AttributeValueMemberN:
		return "N:" + av.Value
	case *types.AttributeValueMemberBOOL:
		return "BOOL:" + strconv.FormatBool(av.Value)
	default:
		return fmt.Sprintf("%T", v)
	}
}

// compareAttr orders S values lexically and N values numerically. Missing sorts first.
func compareAttr(a, b types.AttributeValue) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if an, ok := a.(*types.AttributeValueMemberN); ok {
		if bn, ok := b.(*types.AttributeValueMemberN); ok {
			af, _ := strconv.ParseFloat(an.Value, 64)
			bf, _ := strconv.ParseFloat(bn.Value, 64)
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(attrString(a), attrString(b))
}

func resolveName(token string, names map[string]string) (string, error) {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "#") {
		n, ok := names[token]
		if !ok {
			return "", fmt.Errorf("dynamotest: undefined attribute name %q", token)
		}
		return n, nil
	}
	return token, nil
}

func resolveValue(token string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	token = strings.TrimSpace(token)
	v, ok := values[token]
	if !ok {
		return nil, fmt.Errorf("dynamotest: undefined attribute value %q", token)
	}
	return v, nil
}

func evalCondition(expr string, names map[string]string, values map[string]types.AttributeValue, it item) (bool, error) {
	for _, term := range strings.Split(expr, " AND ") {
		ok, err := evalTerm(strings.TrimSpace(term), names, values, it)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalTerm(term string, names map[string]string, values map[string]types.AttributeValue, it item) (bool, error) {
	if fn, args, ok := call(term); ok {
		switch fn {
		case "attribute_exists", "attribute_not_exists":
			n, err := resolveName(args, names)
			if err != nil {
				return false, err
			}
			_, present := it[n]
			return present == (fn == "attribute_exists"), nil
		case "begins_with":
			parts := strings.SplitN(args, ",", 2)
			if len(parts) != 2 {
				return false, fmt.Errorf("dynamotest: bad begins_with %q", term)
			}
			n, err := resolveName(parts[0], names)
			if err != nil {
				return false, err
			}
			v, err := resolveValue(parts[1], values)
			if err != nil {
				return false, err
			}
			have, ok := it[n].(*types.AttributeValueMemberS)
			prefix, pok := v.(*types.AttributeValueMemberS)
			return ok && pok && strings.HasPrefix(have.Value, prefix.Value), nil
		default:
			return false, fmt.Errorf("dynamotest: unsupported function %q", fn)
		}
	}

	fields := strings.Fields(term)
	if len(fields) != 3 {
		return false, fmt.Errorf("dynamotest: unsupported condition %q", term)
	}
	n, err := resolveName(fields[0], names)
	if err != nil {
		return false, err
	}
	want, err := resolveValue(fields[2], values)
	if err != nil {
		return false, err
	}
	have, ok := it[n]
	if !ok {
		return false, nil
	}
	c := compareAttr(have, want)
	switch fields[1] {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("dynamotest: unsupported operator %q", fields[1])
}

func call(term string) (fn, args string, ok bool) {
	open := strings.IndexByte(term, '(')
	if open <= 0 || !strings.HasSuffix(term, ")") {
		return "", "", false
	}
	return term[:open], term[open+1 : len(term)-1], true
}

func applyUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, it item) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("dynamotest: unsupported update expression %q", expr)
	}
	for _, assign := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		parts := strings.SplitN(assign, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("dynamotest: bad assignment %q", assign)
		}
		n, err := resolveName(parts[0], names)
		if err != nil {
			return err
		}
		v, err := resolveValue(parts[1], values)
		if err != nil {
			return err
		}
		it[n] = v
	}
	return nil
}

func projectionNames(expr string, names map[string]string) []string {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(expr, ",") {
		if n, err := resolveName(p, names); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func project(it item, attrs []string) item {
	if len(attrs) == 0 {
		return clone(it)
	}
	out := make(item, len(attrs))
	for _, a := range attrs {
		if v, ok := it[a]; ok {
			out[a] = v
		}
	}
	return out
}

func clone(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}
