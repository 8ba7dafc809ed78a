package graph

// Schema is the GraphQL surface over the workflow engine. Quantities and money travel as
// decimal strings.
const Schema = `
schema {
	query: Query
	mutation: Mutation
}

type Query {
	timeline(entity: String!, id: Int!): [Activity!]!
}

type Mutation {
	requestTransition(entity: String!, id: Int!, targetStatus: String!): TransitionResult!
	redispatch(entity: String!, id: Int!): [AutomationResult!]!
	stock(op: String!, productId: Int!, quantity: String!, dedupeKey: String): StockResult!
	recordInstallmentPayment(planId: Int!, amount: String!): PaymentResult!
}

type TransitionResult {
	entity: String!
	id: Int!
	fromStatus: String!
	toStatus: String!
	automationResults: [AutomationResult!]!
}

type AutomationResult {
	action: String!
	status: String!
	message: String
	recordRef: RecordRef
}

type RecordRef {
	entity: String!
	id: Int!
	status: String
}

type StockResult {
	productId: Int!
	stock: String!
	reservedQuantity: String!
	replayed: Boolean!
	automationResults: [AutomationResult!]!
}

type PaymentResult {
	planId: Int!
	status: String!
	paidAmount: String!
	remainingAmount: String!
	completed: Boolean!
	automationResults: [AutomationResult!]!
}

type Activity {
	id: Int!
	action: String!
	description: String!
	actorName: String!
	createdAt: String!
}
`
