// Package campaign triggers and inspects campaign sends.
//
// Service resolves a campaign's contacts, persists the batch plan through the
// Planner and hands every batch to a sending.Dispatcher. It also answers
// status queries and forwards manual retries and cancellation. The package
// depends only on the contracts in service/sending and never imports the
// worker or repository packages.
package campaign
