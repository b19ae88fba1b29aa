/*Command gdc-rnaseq downloads the RNA-Seq and miRNA-Seq quantification files
  listed in a GDC manifest and merges them into one table per workflow.

  Each file is resolved against the GDC catalog, downloaded into
  <output>/<strategy>/<workflow>/<data type>/<file id>/, and verified against
  its catalog MD5 sum. Files already present with a matching sum are not
  downloaded again. The merged tables are written directly under <output>:

    Merged_Counts.tsv, Merged_FPKM.tsv, Merged_FPKM-UQ.tsv,
    Merged_STAR-Counts.tsv, Merged_miRNA_Counts.tsv, Merged_miRNA_rpmm.tsv

  Columns are sample barcodes; rows are gene or miRNA ids.

  Usage: gdc-rnaseq [-hugo] [-output dir] manifest.txt
         gdc-rnaseq -recursive [-hugo] [-output dir] dir

  With -recursive, every valid manifest (*.txt or *.csv with an "id" header)
  under dir is processed in turn into the same output directory.
*/
package main
