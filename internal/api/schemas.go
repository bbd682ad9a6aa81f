package api

// Schemas check body shape and value types only. Missing fields are left
// to the services so each one gets its own message.

const generateKeySchema = `{
  "type": "object",
  "properties": {
    "username": {"type": "string", "maxLength": 100},
    "institution_name": {"type": "string", "maxLength": 255}
  }
}`

const initiateTransferSchema = `{
  "type": "object",
  "properties": {
    "sending_name": {"type": "string", "maxLength": 255},
    "sending_account": {"type": "string", "maxLength": 100},
    "receiving_name": {"type": "string", "maxLength": 255},
    "receiving_account": {"type": "string", "maxLength": 100},
    "amount": {"type": ["number", "string"]},
    "sending_currency": {"type": "string"},
    "receiving_currency": {"type": "string"},
    "description": {"type": "string"},
    "sending_institution": {"type": "string"}
  }
}`

const confirmCreditSchema = `{
  "type": "object",
  "properties": {
    "sender_account": {"type": "string", "maxLength": 100},
    "paymaster_account": {"type": "string", "maxLength": 100},
    "payout_type": {"type": "string"}
  }
}`

const exchangeOrderSchema = `{
  "type": "object",
  "properties": {
    "externalOrderId": {"type": "string"},
    "chainType": {"type": "string"},
    "tokenType": {"type": "string"},
    "addressTo": {"type": "string"},
    "addressFrom": {"type": "string"},
    "tokenAmount": {"type": ["number", "string"]},
    "currencyType": {"type": "string"},
    "payType": {"type": "string"},
    "remark": {"type": "string"},
    "notifyUrl": {"type": "string"},
    "reviewQuote": {"type": "string"}
  }
}`

const quoteSchema = `{
  "type": "object",
  "properties": {
    "chainType": {"type": "string"},
    "tokenType": {"type": "string"},
    "currencyType": {"type": "string"},
    "payType": {"type": "string"},
    "tokenAmount": {"type": ["number", "string"]},
    "currencyAmount": {"type": ["number", "string"]}
  }
}`

const bankTransferSchema = `{
  "type": "object",
  "properties": {
    "sourceAccount": {"type": "string"},
    "swiftCode": {"type": "string"},
    "destinationIban": {"type": "string"},
    "destinationName": {"type": "string"},
    "destinationAddress": {"type": "string"},
    "destinationCity": {"type": "string"},
    "destinationCountry": {"type": "string"},
    "bankName": {"type": "string"},
    "bankAddress": {"type": "string"},
    "amount": {"type": ["number", "string"]},
    "currency": {"type": "string"},
    "reference": {"type": "string"},
    "executionDate": {"type": "string"},
    "priority": {"type": "string", "enum": ["NORMAL", "URGENT"]},
    "charges": {"type": "string", "enum": ["SHA", "OUR", "BEN"]}
  }
}`
