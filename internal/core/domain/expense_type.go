package domain

import "regexp"

type typeMatcher struct {
	expenseType ExpenseType
	patterns    []*regexp.Regexp
}

// Order matters: NFS-e and NFC-e would otherwise be captured by the generic NF-e pattern.
var typeMatchers = []typeMatcher{
	{ExpenseNFSE, compileAll(`(?i)\bNFS([\s-]?e)?\b`)},
	{ExpenseNFCE, compileAll(`(?i)\bNFC([\s-]?e)?\b`)},
	{ExpenseNF3E, compileAll(
		`(?i)\bNF3([\s-]?e)?\b`,
		`(?i)Nota Fiscal - Conta de Energia El[eé]c?trica`,
		`(?i)Leitura Anterior`,
	)},
	{ExpenseNFE, compileAll(`(?i)\bNF[\s-]?e\b`)},
	{ExpenseFatura, compileAll(`(?i)\bfatura\b`)},
	{ExpenseBoleto, compileAll(
		`(?i)\bboleto\b`,
		`(?i)nosso\s+n[uú]mero`,
		`(?i)linha\s+digit[aá]vel`,
		`(?i)guia\s+do\s+fgts`,
		`(?i)documento\s+de\s+arrecada[cç][aã]o`,
		`(?i)\bcobran[cç]a\b`,
	)},
	{ExpenseCTE, compileAll(`(?i)\bCT([\s-]?e)?\b`)},
}

// IdentifyExpenseType classifies extracted text by its fiscal markers.
func IdentifyExpenseType(text string) ExpenseType {
	for _, m := range typeMatchers {
		for _, p := range m.patterns {
			if p.MatchString(text) {
				return m.expenseType
			}
		}
	}
	return ExpenseOther
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}
