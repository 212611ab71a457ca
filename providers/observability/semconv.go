package observability

// Semantic conventions for observability attributes.
// These constants define standard attribute names to ensure consistency
// across different components of the system.

// --- Dataflow graph attributes ---

const (
	// AttrGraphNodeCount is the number of nodes finalized into a graph.
	AttrGraphNodeCount = "dataflow.node_count"

	// AttrGraphOperatorInvocations is the number of operators actually
	// invoked during a run (as opposed to skipped for lack of dirty input).
	AttrGraphOperatorInvocations = "dataflow.operator_invocations"

	// AttrOperatorNode identifies the node an operator span belongs to.
	AttrOperatorNode = "dataflow.node_id"

	// AttrOperatorKind names the operator kind (map, filter, join, reduce,
	// orderby, ...).
	AttrOperatorKind = "dataflow.operator_kind"

	// AttrBatchSize is the number of multiset entries an operator consumed
	// or produced.
	AttrBatchSize = "dataflow.batch_size"
)

// --- Collection attributes ---

const (
	// AttrCollectionID names the collection a status transition or
	// subscription event belongs to.
	AttrCollectionID = "collection.id"

	// AttrCollectionStatus is the collection's lifecycle status.
	AttrCollectionStatus = "collection.status"

	// AttrCollectionSize is the number of keys currently held.
	AttrCollectionSize = "collection.size"
)

// --- Query compiler attributes ---

const (
	// AttrQueryAlias names the FROM/JOIN alias a clause applies to.
	AttrQueryAlias = "query.alias"

	// AttrQueryClauseCount is the number of clauses compiled.
	AttrQueryClauseCount = "query.clause_count"

	// AttrQueryPushedWhereCount is the number of WHERE clauses pushed down
	// to a source versus evaluated after the join/groupBy pipeline.
	AttrQueryPushedWhereCount = "query.pushed_where_count"
)

// --- Source attributes ---

const (
	// AttrSourceName identifies the downward source collaborator.
	AttrSourceName = "source.name"

	// AttrSourceChangeCount is the number of Change events a poll or
	// subscription callback delivered.
	AttrSourceChangeCount = "source.change_count"
)

// --- General attributes ---

const (
	// AttrError is the error message
	AttrError = "error"

	// AttrErrorType is the error type/class
	AttrErrorType = "error.type"

	// AttrDuration is the operation duration
	AttrDuration = "duration"

	// AttrStatus is the operation status
	AttrStatus = "status"

	// AttrStatusDescription is the optional description of the status
	AttrStatusDescription = "status.description"
)

// --- Span names ---

const (
	// SpanGraphRun is the span name for one Graph.Run call.
	SpanGraphRun = "dataflow.run"

	// SpanOperatorInvoke is the span name for a single operator invocation.
	SpanOperatorInvoke = "dataflow.operator.invoke"

	// SpanLiveQueryRun is the span name for one live-query coordinator cycle.
	SpanLiveQueryRun = "livequery.run"

	// SpanSourcePoll is the span name for a source adapter's poll cycle.
	SpanSourcePoll = "source.poll"
)

// --- Event names ---

const (
	// EventCollectionStatusChanged marks a collection status transition.
	EventCollectionStatusChanged = "collection.status.changed"

	// EventGraphQuiesced marks a run that produced no terminal output.
	EventGraphQuiesced = "dataflow.quiesced"

	// EventSubscriptionEstablished marks a source subscription's initial
	// handshake completing.
	EventSubscriptionEstablished = "source.subscription.established"
)
